package job

import (
	"context"

	"rtkern/internal/kernel"
)

// SleepWork returns a task body that sleeps for the given number of ticks,
// rounds times. It stops early if a sleep is aborted.
func SleepWork(k *kernel.Kernel, ticks kernel.Ticks, rounds int) kernel.EntryFunc {
	return func(ctx context.Context, _ any) {
		for i := 0; i < rounds; i++ {
			if err := k.Sleep(ctx, ticks); err != nil {
				return
			}
		}
	}
}
