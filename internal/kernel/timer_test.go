package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTimer(t *testing.T, k *Kernel, fn TimerFunc, pairs ...Pair) *Timer {
	t.Helper()
	pairs = append([]Pair{{Field: FieldCallback, Value: fn}}, pairs...)
	tm, err := k.NewTimer(context.Background(), newObjectAttr(t, k, KindTimer, pairs...))
	require.NoError(t, err)
	return tm
}

func TestTimerStartStopIdempotence(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	tm := newTimer(t, k, func(context.Context, any) {}, Pair{Field: FieldPeriod, Value: 5})

	info, err := tm.Info()
	require.NoError(t, err)
	assert.Equal(t, TimerToStart, info.State)

	require.NoError(t, tm.Stop(ctx), "stopping an unstarted timer is a no-op")
	require.NoError(t, tm.Start(ctx))
	err = tm.Start(ctx)
	assert.ErrorIs(t, err, ErrActivate)
	assert.Equal(t, ClassContract, ClassOf(err))

	require.NoError(t, tm.Stop(ctx))
	require.NoError(t, tm.Stop(ctx))
	info, err = tm.Info()
	require.NoError(t, err)
	assert.Equal(t, TimerStopped, info.State)
	require.NoError(t, tm.Start(ctx), "a stopped timer can be started again")
}

func TestTimerOneShot(t *testing.T) {
	k := newTestKernel(t)
	var args []any
	tm := newTimer(t, k, func(_ context.Context, arg any) { args = append(args, arg) },
		Pair{Field: FieldPeriod, Value: 3},
		Pair{Field: FieldArg, Value: "payload"},
		Pair{Field: FieldAutoStart, Value: true})
	k.Start()

	advance(t, k, 2)
	info, err := tm.Info()
	require.NoError(t, err)
	assert.Equal(t, TimerRunning, info.State)
	assert.Equal(t, Ticks(1), info.Remaining)
	assert.Empty(t, args)

	advance(t, k, 5)
	assert.Equal(t, []any{"payload"}, args)
	info, err = tm.Info()
	require.NoError(t, err)
	assert.Equal(t, TimerStopped, info.State)
	assert.Equal(t, uint64(1), info.Fires)
}

func TestTimerPeriodic(t *testing.T) {
	k := newTestKernel(t)
	fires := 0
	tm := newTimer(t, k, func(context.Context, any) { fires++ },
		Pair{Field: FieldPeriod, Value: 2},
		Pair{Field: FieldPeriodic, Value: true})
	require.NoError(t, tm.Start(context.Background()))
	k.Start()

	advance(t, k, 7)
	assert.Equal(t, 3, fires)
	info, err := tm.Info()
	require.NoError(t, err)
	assert.Equal(t, TimerRunning, info.State)
}

func TestTimerChangeRequiresStop(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	noop := func(context.Context, any) {}
	tm := newTimer(t, k, noop, Pair{Field: FieldPeriod, Value: 4}, Pair{Field: FieldAutoStart, Value: true})

	assert.ErrorIs(t, tm.Change(ctx, 8, true), ErrTimerRunning)
	assert.ErrorIs(t, tm.SetCallback(ctx, noop, 1), ErrTimerRunning)

	require.NoError(t, tm.Stop(ctx))
	require.NoError(t, tm.Change(ctx, 8, true))
	require.NoError(t, tm.SetCallback(ctx, noop, 1))
	assert.ErrorIs(t, tm.Change(ctx, 0, false), ErrInvalidArgument)
	assert.ErrorIs(t, tm.SetCallback(ctx, nil, nil), ErrInvalidArgument)

	info, err := tm.Info()
	require.NoError(t, err)
	assert.Equal(t, Ticks(8), info.Period)
	assert.True(t, info.Periodic)
}

func TestTimerReconfiguresItselfFromCallback(t *testing.T) {
	k := newTestKernel(t)
	var tm *Timer
	var fired []uint64
	tm = newTimer(t, k, func(ctx context.Context, _ any) {
		fired = append(fired, k.Ticks())
		if len(fired) == 1 {
			assert.NoError(t, tm.Stop(ctx))
			assert.NoError(t, tm.Change(ctx, 5, true))
			assert.NoError(t, tm.Start(ctx))
		}
	}, Pair{Field: FieldPeriod, Value: 2}, Pair{Field: FieldPeriodic, Value: true}, Pair{Field: FieldAutoStart, Value: true})
	k.Start()

	advance(t, k, 12)
	assert.Equal(t, []uint64{2, 7, 12}, fired)
}

func TestTimerCallbackContext(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	sem := newSemaphore(t, k)
	bytes, err := k.NewBytePool(ctx, newObjectAttr(t, k, KindBytePool, Pair{Field: FieldPoolSize, Value: 256}))
	require.NoError(t, err)
	blocks, err := k.NewBlockPool(ctx, newObjectAttr(t, k, KindBlockPool,
		Pair{Field: FieldBlockSize, Value: 16}, Pair{Field: FieldBlockCount, Value: 2}))
	require.NoError(t, err)
	lateTask := taskAttr(t, k, "late", 10, func(context.Context, any) {})

	var semErr, sleepErr, byteErr, blockErr, taskErr error
	var block []byte
	newTimer(t, k, func(ctx context.Context, _ any) {
		semErr = sem.Get(ctx, 1)
		sleepErr = k.Sleep(ctx, 1)
		_, byteErr = bytes.Allocate(ctx, 8, NoWait)
		block, blockErr = blocks.Allocate(ctx, NoWait)
		_, taskErr = k.NewTask(ctx, lateTask)
	}, Pair{Field: FieldPeriod, Value: 1}, Pair{Field: FieldAutoStart, Value: true})
	k.Start()
	advance(t, k, 1)

	assert.ErrorIs(t, semErr, ErrWaitContext)
	assert.ErrorIs(t, sleepErr, ErrCallerContext)
	assert.ErrorIs(t, byteErr, ErrCallerContext)
	assert.NoError(t, blockErr)
	assert.Len(t, block, 16)
	assert.ErrorIs(t, taskErr, ErrCallerContext)
}

func TestTimerCallbackWakesTask(t *testing.T) {
	k := newTestKernel(t)
	sem := newSemaphore(t, k)
	rec := &recorder{}

	spawn(t, k, "worker", 10, func(ctx context.Context, _ any) {
		assert.NoError(t, sem.Get(ctx, WaitForever))
		rec.add("signalled")
	})
	newTimer(t, k, func(ctx context.Context, _ any) {
		assert.NoError(t, sem.Put(ctx))
	}, Pair{Field: FieldPeriod, Value: 2}, Pair{Field: FieldAutoStart, Value: true})

	k.Start()
	settle(t, k)
	advance(t, k, 1)
	assert.Empty(t, rec.list())
	advance(t, k, 1)
	assert.Equal(t, []string{"signalled"}, rec.list())
}

func TestTimerValidationAndDelete(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	a := newObjectAttr(t, k, KindTimer, Pair{Field: FieldPeriod, Value: 2})
	_, err := k.NewTimer(ctx, a)
	assert.ErrorIs(t, err, ErrInvalidArgument, "callback is required")
	require.NoError(t, k.DelAttr(a))

	a = newObjectAttr(t, k, KindTimer, Pair{Field: FieldCallback, Value: func(context.Context, any) {}})
	_, err = k.NewTimer(ctx, a)
	assert.ErrorIs(t, err, ErrInvalidArgument, "period is required")
	require.NoError(t, k.DelAttr(a))

	fired := false
	tm := newTimer(t, k, func(context.Context, any) { fired = true },
		Pair{Field: FieldPeriod, Value: 1}, Pair{Field: FieldAutoStart, Value: true})
	require.NoError(t, tm.Delete(ctx))
	k.Start()
	advance(t, k, 3)
	assert.False(t, fired)
	assert.ErrorIs(t, tm.Start(ctx), ErrInvalidHandle)
}
