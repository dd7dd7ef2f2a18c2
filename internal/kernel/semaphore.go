package kernel

import (
	"context"
	"fmt"
)

// SemKind selects the ceiling behaviour of a semaphore.
type SemKind int

const (
	// SemGeneral has no ceiling; the count wraps through zero.
	SemGeneral SemKind = iota
	// SemBinary never exceeds one.
	SemBinary
	// SemCounting never exceeds its configured maximum.
	SemCounting
)

func (s SemKind) String() string {
	switch s {
	case SemGeneral:
		return "general"
	case SemBinary:
		return "binary"
	case SemCounting:
		return "counting"
	default:
		return "unknown"
	}
}

type semaphoreCB struct {
	header
	semKind SemKind
	count   uint32
	max     uint32
	waiters *waitQueue
}

// Semaphore is a handle to a counting semaphore.
type Semaphore struct {
	k *Kernel
	h Handle
}

// SemaphoreInfo is a snapshot of a semaphore.
type SemaphoreInfo struct {
	Name     string
	Alias    string
	SemKind  SemKind
	Count    uint32
	MaxCount uint32
	Waiting  int
}

func (s *Semaphore) Handle() Handle { return s.h }
func (s *Semaphore) Kind() Kind     { return KindSemaphore }

func (s *Semaphore) Name() string {
	info, _ := s.Info()
	return info.Name
}

// NewSemaphore creates a semaphore from a KindSemaphore builder and
// consumes the builder. Counting semaphores require MaxCount; binary ones
// have an implicit maximum of one.
func (k *Kernel) NewSemaphore(ctx context.Context, a *Attr) (*Semaphore, error) {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if err := k.checkAttr(a, KindSemaphore); err != nil {
		return nil, err
	}

	sc := &semaphoreCB{
		header:  header{kind: KindSemaphore, name: attrValue(a, FieldName, ""), alias: attrValue(a, FieldAlias, "")},
		semKind: attrValue(a, FieldSemKind, SemGeneral),
		count:   attrValue(a, FieldInitialCount, uint32(0)),
		waiters: newWaitQueue(),
	}
	switch sc.semKind {
	case SemBinary:
		if attrHas(a, FieldMaxCount) && attrValue(a, FieldMaxCount, uint32(1)) != 1 {
			return nil, fmt.Errorf("%w: binary semaphore max count must be 1", ErrInvalidArgument)
		}
		sc.max = 1
	case SemCounting:
		if !attrHas(a, FieldMaxCount) {
			return nil, fmt.Errorf("%w: counting semaphore needs a max count", ErrInvalidArgument)
		}
		sc.max = attrValue(a, FieldMaxCount, uint32(0))
		if sc.max == 0 {
			return nil, fmt.Errorf("%w: counting semaphore max count must be positive", ErrInvalidArgument)
		}
	case SemGeneral:
		if attrHas(a, FieldMaxCount) {
			return nil, fmt.Errorf("%w: general semaphore has no max count", ErrInvalidArgument)
		}
	}
	if sc.bounded() && sc.count > sc.max {
		return nil, fmt.Errorf("%w: initial count %d above max %d", ErrInvalidArgument, sc.count, sc.max)
	}

	k.objects.put(sc)
	k.retireAttr(a)
	k.emit(EventCreate, nil, sc.label(), "semaphore")
	return &Semaphore{k: k, h: sc.handle}, nil
}

func (sc *semaphoreCB) bounded() bool { return sc.semKind != SemGeneral }

// Get takes one instance, blocking while the count is zero. Outside task
// context only NoWait is allowed.
func (s *Semaphore) Get(ctx context.Context, timeout Ticks) error {
	k := s.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	sc, err := lookup[*semaphoreCB](k, s.h)
	if err != nil {
		return err
	}
	if sc.count > 0 {
		sc.count--
		return nil
	}
	if timeout == NoWait {
		return fmt.Errorf("%w: %s", ErrNoInstance, sc.label())
	}
	if !c.isTask() {
		return fmt.Errorf("%w: semaphore %s", ErrWaitContext, sc.label())
	}
	return k.block(c.t, StateWaiting, &waiter{queue: sc.waiters, object: sc.label()}, timeout)
}

// Put releases one instance. A waiting task receives it directly; otherwise
// the count grows, subject to the ceiling of binary and counting kinds.
func (s *Semaphore) Put(ctx context.Context) error {
	k := s.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	sc, err := lookup[*semaphoreCB](k, s.h)
	if err != nil {
		return err
	}
	if next := sc.waiters.front(); next != nil {
		k.resume(next, nil)
		return nil
	}
	if sc.bounded() && sc.count >= sc.max {
		return fmt.Errorf("%w: %s at %d", ErrCeiling, sc.label(), sc.max)
	}
	sc.count++
	return nil
}

// Prioritize moves the most urgent waiter to the head of the queue.
func (s *Semaphore) Prioritize(ctx context.Context) error {
	k := s.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	sc, err := lookup[*semaphoreCB](k, s.h)
	if err != nil {
		return err
	}
	sc.waiters.prioritize()
	return nil
}

// Info returns a snapshot of the semaphore.
func (s *Semaphore) Info() (SemaphoreInfo, error) {
	k := s.k
	k.mu.Lock()
	defer k.mu.Unlock()
	sc, err := lookup[*semaphoreCB](k, s.h)
	if err != nil {
		return SemaphoreInfo{}, err
	}
	return SemaphoreInfo{
		Name:     sc.name,
		Alias:    sc.alias,
		SemKind:  sc.semKind,
		Count:    sc.count,
		MaxCount: sc.max,
		Waiting:  sc.waiters.len(),
	}, nil
}

// Delete destroys the semaphore; waiters wake with ErrDeleted.
func (s *Semaphore) Delete(ctx context.Context) error {
	k := s.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	sc, err := lookup[*semaphoreCB](k, s.h)
	if err != nil {
		return err
	}
	k.wakeAll(sc.waiters, ErrDeleted)
	k.objects.release(sc.handle)
	k.emit(EventDelete, nil, sc.label(), "semaphore")
	return nil
}
