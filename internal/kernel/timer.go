package kernel

import (
	"context"
	"fmt"
	"strconv"
)

// TimerFunc is a timer callback. It runs in timer-service context and must
// not block.
type TimerFunc func(ctx context.Context, arg any)

// TimerState is the lifecycle state of a software timer.
type TimerState int

const (
	TimerToStart TimerState = iota // created, never started
	TimerRunning
	TimerStopped
)

func (s TimerState) String() string {
	switch s {
	case TimerToStart:
		return "to-start"
	case TimerRunning:
		return "running"
	case TimerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type timerCB struct {
	header
	fn       TimerFunc
	arg      any
	period   Ticks
	periodic bool
	state    TimerState
	key      deadlineKey
	fires    uint64
}

// Timer is a handle to a software timer.
type Timer struct {
	k *Kernel
	h Handle
}

// TimerInfo is a snapshot of a timer.
type TimerInfo struct {
	Name      string
	Alias     string
	State     TimerState
	Period    Ticks
	Periodic  bool
	Remaining Ticks // ticks until the next expiry while running
	Fires     uint64
}

// firing is a callback collected under the lock and run after it.
type firing struct {
	fn  TimerFunc
	arg any
}

func (tm *Timer) Handle() Handle { return tm.h }
func (tm *Timer) Kind() Kind     { return KindTimer }

func (tm *Timer) Name() string {
	info, _ := tm.Info()
	return info.Name
}

// NewTimer creates a timer from a KindTimer builder and consumes the
// builder. With AutoStart it is armed immediately.
func (k *Kernel) NewTimer(ctx context.Context, a *Attr) (*Timer, error) {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if err := k.checkAttr(a, KindTimer); err != nil {
		return nil, err
	}
	fn := attrValue[TimerFunc](a, FieldCallback, nil)
	if fn == nil {
		return nil, fmt.Errorf("%w: timer needs a callback", ErrInvalidArgument)
	}
	period := attrValue(a, FieldPeriod, NoWait)
	if period == NoWait {
		return nil, fmt.Errorf("%w: timer needs a non-zero period", ErrInvalidArgument)
	}

	tc := &timerCB{
		header:   header{kind: KindTimer, name: attrValue(a, FieldName, ""), alias: attrValue(a, FieldAlias, "")},
		fn:       fn,
		arg:      attrValue[any](a, FieldArg, nil),
		period:   period,
		periodic: attrValue(a, FieldPeriodic, false),
	}
	k.objects.put(tc)
	autoStart := attrValue(a, FieldAutoStart, false)
	k.retireAttr(a)
	if autoStart {
		k.arm(tc)
	}
	k.emit(EventCreate, nil, tc.label(), "timer "+tc.state.String())
	return &Timer{k: k, h: tc.handle}, nil
}

func (k *Kernel) arm(tc *timerCB) {
	tc.key = k.nextDeadline(tc.period)
	tc.state = TimerRunning
	k.timers.Put(tc.key, tc)
}

// Start arms the timer for one period. Starting a running timer is an
// activation error.
func (tm *Timer) Start(ctx context.Context) error {
	k := tm.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	tc, err := lookup[*timerCB](k, tm.h)
	if err != nil {
		return err
	}
	if tc.state == TimerRunning {
		return fmt.Errorf("%w: timer %s already running", ErrActivate, tc.label())
	}
	k.arm(tc)
	return nil
}

// Stop disarms the timer. Stopping a timer that is not running does nothing.
func (tm *Timer) Stop(ctx context.Context) error {
	k := tm.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	tc, err := lookup[*timerCB](k, tm.h)
	if err != nil {
		return err
	}
	if tc.state == TimerRunning {
		k.timers.Remove(tc.key)
		tc.state = TimerStopped
	}
	return nil
}

// Change sets period and periodicity of a timer that is not running.
func (tm *Timer) Change(ctx context.Context, period Ticks, periodic bool) error {
	k := tm.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	tc, err := lookup[*timerCB](k, tm.h)
	if err != nil {
		return err
	}
	if tc.state == TimerRunning {
		return fmt.Errorf("%w: %s", ErrTimerRunning, tc.label())
	}
	if period == NoWait {
		return fmt.Errorf("%w: zero timer period", ErrInvalidArgument)
	}
	tc.period, tc.periodic = period, periodic
	return nil
}

// SetCallback replaces callback and argument of a timer that is not running.
func (tm *Timer) SetCallback(ctx context.Context, fn TimerFunc, arg any) error {
	k := tm.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	tc, err := lookup[*timerCB](k, tm.h)
	if err != nil {
		return err
	}
	if tc.state == TimerRunning {
		return fmt.Errorf("%w: %s", ErrTimerRunning, tc.label())
	}
	if fn == nil {
		return fmt.Errorf("%w: nil timer callback", ErrInvalidArgument)
	}
	tc.fn, tc.arg = fn, arg
	return nil
}

// Info returns a snapshot of the timer.
func (tm *Timer) Info() (TimerInfo, error) {
	k := tm.k
	k.mu.Lock()
	defer k.mu.Unlock()
	tc, err := lookup[*timerCB](k, tm.h)
	if err != nil {
		return TimerInfo{}, err
	}
	info := TimerInfo{
		Name:     tc.name,
		Alias:    tc.alias,
		State:    tc.state,
		Period:   tc.period,
		Periodic: tc.periodic,
		Fires:    tc.fires,
	}
	if tc.state == TimerRunning && tc.key.at > k.ticks {
		info.Remaining = Ticks(tc.key.at - k.ticks)
	}
	return info, nil
}

// Delete disarms and destroys the timer.
func (tm *Timer) Delete(ctx context.Context) error {
	k := tm.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	tc, err := lookup[*timerCB](k, tm.h)
	if err != nil {
		return err
	}
	if tc.state == TimerRunning {
		k.timers.Remove(tc.key)
	}
	k.objects.release(tc.handle)
	k.emit(EventDelete, nil, tc.label(), "timer")
	return nil
}

// expireTimers collects the callbacks of every timer due at the current
// tick. Periodic timers are re-armed before their callback runs, so a
// callback may stop and reconfigure its own timer. Called with k.mu held.
func (k *Kernel) expireTimers() []firing {
	var fired []firing
	for {
		node := k.timers.Left()
		if node == nil || node.Key.(deadlineKey).at > k.ticks {
			break
		}
		tc := node.Value.(*timerCB)
		k.timers.Remove(node.Key)
		tc.fires++
		if tc.periodic {
			k.arm(tc)
		} else {
			tc.state = TimerStopped
		}
		k.emit(EventTimerExpire, nil, tc.label(), strconv.FormatUint(tc.fires, 10))
		fired = append(fired, firing{fn: tc.fn, arg: tc.arg})
	}
	return fired
}
