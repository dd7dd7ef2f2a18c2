package kernel

import (
	"context"
	"fmt"
)

// FlagOp selects how Set combines its mask with the group.
type FlagOp int

const (
	FlagsSet   FlagOp = iota // OR the mask in
	FlagsClear               // clear the mask bits
)

// FlagMode is the predicate a getter waits for.
type FlagMode int

const (
	FlagsAny FlagMode = iota
	FlagsAnyClear
	FlagsAll
	FlagsAllClear
)

func (m FlagMode) String() string {
	switch m {
	case FlagsAny:
		return "any"
	case FlagsAnyClear:
		return "any-clear"
	case FlagsAll:
		return "all"
	case FlagsAllClear:
		return "all-clear"
	default:
		return "unknown"
	}
}

func (m FlagMode) satisfied(flags, mask uint32) bool {
	switch m {
	case FlagsAll, FlagsAllClear:
		return flags&mask == mask
	default:
		return flags&mask != 0
	}
}

func (m FlagMode) clears() bool { return m == FlagsAnyClear || m == FlagsAllClear }

type eventFlagsCB struct {
	header
	flags   uint32
	waiters *waitQueue
}

// EventFlags is a handle to a group of 32 event flags.
type EventFlags struct {
	k *Kernel
	h Handle
}

// EventFlagsInfo is a snapshot of an event-flag group.
type EventFlagsInfo struct {
	Name    string
	Alias   string
	Flags   uint32
	Waiting int
}

func (e *EventFlags) Handle() Handle { return e.h }
func (e *EventFlags) Kind() Kind     { return KindEventFlags }

func (e *EventFlags) Name() string {
	info, _ := e.Info()
	return info.Name
}

// NewEventFlags creates a group with every flag clear and consumes the
// builder.
func (k *Kernel) NewEventFlags(ctx context.Context, a *Attr) (*EventFlags, error) {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if err := k.checkAttr(a, KindEventFlags); err != nil {
		return nil, err
	}
	ec := &eventFlagsCB{
		header:  header{kind: KindEventFlags, name: attrValue(a, FieldName, ""), alias: attrValue(a, FieldAlias, "")},
		waiters: newWaitQueue(),
	}
	k.objects.put(ec)
	k.retireAttr(a)
	k.emit(EventCreate, nil, ec.label(), "event-flags")
	return &EventFlags{k: k, h: ec.handle}, nil
}

// Set applies op with mask and releases, in queue order, every waiter whose
// predicate now holds. A releasing waiter with a clear mode clears its
// requested bits before later waiters are evaluated.
func (e *EventFlags) Set(ctx context.Context, mask uint32, op FlagOp) error {
	k := e.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	ec, err := lookup[*eventFlagsCB](k, e.h)
	if err != nil {
		return err
	}
	switch op {
	case FlagsSet:
		ec.flags |= mask
	case FlagsClear:
		ec.flags &^= mask
		return nil
	default:
		return fmt.Errorf("%w: flag op %d", ErrInvalidArgument, int(op))
	}

	for _, t := range ec.waiters.tasks() {
		w := t.wait
		if !w.mode.satisfied(ec.flags, w.mask) {
			continue
		}
		w.actual = ec.flags
		if w.mode.clears() {
			ec.flags &^= w.mask
		}
		k.resume(t, nil)
	}
	return nil
}

// Get waits until the requested flags satisfy mode and returns the whole
// flag word as it was just before any clearing. On ErrNoEvents the current
// flags are returned as well.
func (e *EventFlags) Get(ctx context.Context, mask uint32, mode FlagMode, timeout Ticks) (uint32, error) {
	k := e.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return 0, c.err
	}
	ec, err := lookup[*eventFlagsCB](k, e.h)
	if err != nil {
		return 0, err
	}
	if mask == 0 {
		return 0, fmt.Errorf("%w: empty flag mask", ErrInvalidArgument)
	}
	if mode < FlagsAny || mode > FlagsAllClear {
		return 0, fmt.Errorf("%w: flag mode %d", ErrInvalidArgument, int(mode))
	}

	if mode.satisfied(ec.flags, mask) {
		actual := ec.flags
		if mode.clears() {
			ec.flags &^= mask
		}
		return actual, nil
	}
	if timeout == NoWait {
		return ec.flags, fmt.Errorf("%w: %s wants %#x (%s)", ErrNoEvents, ec.label(), mask, mode)
	}
	if !c.isTask() {
		return ec.flags, fmt.Errorf("%w: event flags %s", ErrWaitContext, ec.label())
	}

	w := &waiter{queue: ec.waiters, object: ec.label(), mask: mask, mode: mode}
	if err := k.block(c.t, StateWaiting, w, timeout); err != nil {
		if cb, lerr := lookup[*eventFlagsCB](k, e.h); lerr == nil {
			return cb.flags, err
		}
		return 0, err
	}
	return w.actual, nil
}

// Info returns a snapshot of the group.
func (e *EventFlags) Info() (EventFlagsInfo, error) {
	k := e.k
	k.mu.Lock()
	defer k.mu.Unlock()
	ec, err := lookup[*eventFlagsCB](k, e.h)
	if err != nil {
		return EventFlagsInfo{}, err
	}
	return EventFlagsInfo{
		Name:    ec.name,
		Alias:   ec.alias,
		Flags:   ec.flags,
		Waiting: ec.waiters.len(),
	}, nil
}

// Delete destroys the group; waiters wake with ErrDeleted.
func (e *EventFlags) Delete(ctx context.Context) error {
	k := e.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	ec, err := lookup[*eventFlagsCB](k, e.h)
	if err != nil {
		return err
	}
	k.wakeAll(ec.waiters, ErrDeleted)
	k.objects.release(ec.handle)
	k.emit(EventDelete, nil, ec.label(), "event-flags")
	return nil
}
