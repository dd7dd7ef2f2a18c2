// internal/kernel/tickclock.go

package kernel

import (
	"sync"
	"sync/atomic"
	"time"
)

// TickClock is the wall-clock tick source behind Run. Ticks the consumer
// has not drained when the next one fires are dropped and counted as
// overruns; kernel time then lags wall time.
type TickClock struct {
	Ch       chan struct{}
	overruns atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTickClock creates a clock that queues up to buffer undelivered ticks.
func NewTickClock(buffer int) *TickClock {
	return &TickClock{
		Ch:   make(chan struct{}, buffer),
		stop: make(chan struct{}),
	}
}

// Start fires ticks at the given interval until Stop. Ch is closed when the
// clock stops.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case c.Ch <- struct{}{}:
				default:
					c.overruns.Add(1)
				}
			case <-c.stop:
				close(c.Ch)
				return
			}
		}
	}()
}

// Stop halts the clock. It is safe to call twice.
func (c *TickClock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Overruns returns how many ticks were dropped so far.
func (c *TickClock) Overruns() uint64 {
	return c.overruns.Load()
}
