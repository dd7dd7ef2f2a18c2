package kernel

import (
	"context"
	"fmt"
	"math"
	"slices"
)

type mutexCB struct {
	header
	owner   *tcb
	count   int
	inherit bool
	waiters *waitQueue
}

// Mutex is a handle to a recursive mutex with optional priority
// inheritance.
type Mutex struct {
	k *Kernel
	h Handle
}

// MutexInfo is a snapshot of a mutex.
type MutexInfo struct {
	Name    string
	Alias   string
	Owner   string
	Count   int
	Inherit bool
	Waiting int
}

func (m *Mutex) Handle() Handle { return m.h }
func (m *Mutex) Kind() Kind     { return KindMutex }

func (m *Mutex) Name() string {
	info, _ := m.Info()
	return info.Name
}

// NewMutex creates a mutex from a KindMutex builder and consumes the builder.
func (k *Kernel) NewMutex(ctx context.Context, a *Attr) (*Mutex, error) {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if err := k.checkAttr(a, KindMutex); err != nil {
		return nil, err
	}
	mc := &mutexCB{
		header:  header{kind: KindMutex, name: attrValue(a, FieldName, ""), alias: attrValue(a, FieldAlias, "")},
		inherit: attrValue(a, FieldInherit, false),
		waiters: newWaitQueue(),
	}
	k.objects.put(mc)
	k.retireAttr(a)
	k.emit(EventCreate, nil, mc.label(), "mutex")
	return &Mutex{k: k, h: mc.handle}, nil
}

// Get acquires the mutex. The owner may acquire it again; each Get must be
// matched by a Put.
func (m *Mutex) Get(ctx context.Context, timeout Ticks) error {
	k := m.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	mc, err := lookup[*mutexCB](k, m.h)
	if err != nil {
		return err
	}
	if !c.isTask() {
		if timeout != NoWait {
			return fmt.Errorf("%w: mutex %s", ErrWaitContext, mc.label())
		}
		return fmt.Errorf("%w: mutex %s can only be owned by a task", ErrCallerContext, mc.label())
	}

	t := c.t
	switch {
	case mc.owner == t:
		mc.count++
		return nil
	case mc.owner == nil:
		k.acquire(mc, t)
		return nil
	case timeout == NoWait:
		return fmt.Errorf("%w: %s held by %s", ErrNotAvailable, mc.label(), mc.owner.name)
	}

	if owner := mc.owner; mc.inherit && t.priority < owner.priority {
		k.setPriority(owner, t.priority, owner.threshold)
	}
	return k.block(t, StateWaiting, &waiter{queue: mc.waiters, object: mc.label()}, timeout)
}

// Put releases one level of ownership. At zero the next waiter in queue
// order becomes the owner and the former owner's priority is restored.
func (m *Mutex) Put(ctx context.Context) error {
	k := m.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	mc, err := lookup[*mutexCB](k, m.h)
	if err != nil {
		return err
	}
	if !c.isTask() {
		return fmt.Errorf("%w: mutex put outside task context", ErrCallerContext)
	}
	if mc.owner != c.t {
		return fmt.Errorf("%w: %s", ErrNotOwned, mc.label())
	}
	mc.count--
	if mc.count > 0 {
		return nil
	}
	k.release(mc)
	return nil
}

// Prioritize moves the most urgent waiter to the head of the queue for the
// next hand-over.
func (m *Mutex) Prioritize(ctx context.Context) error {
	k := m.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	mc, err := lookup[*mutexCB](k, m.h)
	if err != nil {
		return err
	}
	mc.waiters.prioritize()
	return nil
}

// Info returns a snapshot of the mutex.
func (m *Mutex) Info() (MutexInfo, error) {
	k := m.k
	k.mu.Lock()
	defer k.mu.Unlock()
	mc, err := lookup[*mutexCB](k, m.h)
	if err != nil {
		return MutexInfo{}, err
	}
	info := MutexInfo{
		Name:    mc.name,
		Alias:   mc.alias,
		Count:   mc.count,
		Inherit: mc.inherit,
		Waiting: mc.waiters.len(),
	}
	if mc.owner != nil {
		info.Owner = mc.owner.name
	}
	return info, nil
}

// Delete destroys the mutex. Waiters wake with ErrDeleted and an owner gets
// its pre-acquisition priority back.
func (m *Mutex) Delete(ctx context.Context) error {
	k := m.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	mc, err := lookup[*mutexCB](k, m.h)
	if err != nil {
		return err
	}
	k.wakeAll(mc.waiters, ErrDeleted)
	if owner := mc.owner; owner != nil {
		owner.owned = slices.DeleteFunc(owner.owned, func(o *mutexCB) bool { return o == mc })
		k.restorePriority(owner)
		mc.owner, mc.count = nil, 0
	}
	k.objects.release(mc.handle)
	k.emit(EventDelete, nil, mc.label(), "mutex")
	return nil
}

func (k *Kernel) acquire(mc *mutexCB, t *tcb) {
	mc.owner = t
	mc.count = 1
	t.owned = append(t.owned, mc)
}

// release drops ownership entirely and hands the mutex to the next waiter.
func (k *Kernel) release(mc *mutexCB) {
	owner := mc.owner
	owner.owned = slices.DeleteFunc(owner.owned, func(o *mutexCB) bool { return o == mc })
	mc.owner, mc.count = nil, 0
	k.restorePriority(owner)

	next := mc.waiters.front()
	if next == nil {
		return
	}
	k.resume(next, nil)
	k.acquire(mc, next)
	if u := mc.waiters.mostUrgent(); mc.inherit && u != nil && u.priority < next.priority {
		k.setPriority(next, u.priority, next.threshold)
	}
}

// restorePriority drops owner back to its own priority and threshold,
// unless an inheriting mutex it still owns has a more urgent waiter.
func (k *Kernel) restorePriority(owner *tcb) {
	k.setPriority(owner, min(owner.userPriority, inheritedFloor(owner)), owner.userThreshold)
}

// inheritedFloor is the most urgent waiter priority over the inheriting
// mutexes t owns.
func inheritedFloor(t *tcb) int {
	floor := math.MaxInt
	for _, mc := range t.owned {
		if !mc.inherit {
			continue
		}
		if u := mc.waiters.mostUrgent(); u != nil && u.priority < floor {
			floor = u.priority
		}
	}
	return floor
}

// releaseOwned frees every mutex t still owns.
func (k *Kernel) releaseOwned(t *tcb) {
	for len(t.owned) > 0 {
		k.release(t.owned[0])
	}
}
