package kernel

import (
	"context"
	"fmt"
)

// Kind identifies the type of a kernel object.
type Kind int

const (
	KindTask Kind = iota + 1
	KindMutex
	KindSemaphore
	KindEventFlags
	KindQueue
	KindTimer
	KindBytePool
	KindBlockPool
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindMutex:
		return "mutex"
	case KindSemaphore:
		return "semaphore"
	case KindEventFlags:
		return "event-flags"
	case KindQueue:
		return "queue"
	case KindTimer:
		return "timer"
	case KindBytePool:
		return "byte-pool"
	case KindBlockPool:
		return "block-pool"
	default:
		return "unknown"
	}
}

// Handle names a kernel object. Gen changes every time a slot is reused, so
// a handle kept past Delete stops resolving instead of aliasing a newer
// object.
type Handle struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether h is the zero handle, which never resolves.
func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.Index, h.Gen) }

// Object is the capability set shared by every kernel resource.
type Object interface {
	Handle() Handle
	Kind() Kind
	Name() string
	Delete(ctx context.Context) error
}

// header is embedded by every control block.
type header struct {
	handle Handle
	kind   Kind
	name   string
	alias  string
}

func (h *header) hdr() *header { return h }

// label is the name used in events and logs.
func (h *header) label() string {
	if h.alias != "" {
		return h.alias
	}
	return h.name
}

type controlBlock interface {
	hdr() *header
}

type slot struct {
	gen uint32
	cb  controlBlock
}

// arena owns every live control block. Slot 0 is never used so that the
// zero Handle is always invalid.
type arena struct {
	slots []slot
	free  []uint32
}

func newArena() *arena {
	return &arena{slots: make([]slot, 1)}
}

func (a *arena) put(cb controlBlock) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	s.cb = cb
	h := Handle{Index: idx, Gen: s.gen}
	cb.hdr().handle = h
	return h
}

func (a *arena) get(h Handle) (controlBlock, bool) {
	if h.Index == 0 || int(h.Index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.Index]
	if s.cb == nil || s.gen != h.Gen {
		return nil, false
	}
	return s.cb, true
}

func (a *arena) release(h Handle) bool {
	if _, ok := a.get(h); !ok {
		return false
	}
	s := &a.slots[h.Index]
	s.cb = nil
	s.gen++
	a.free = append(a.free, h.Index)
	return true
}

// each visits live control blocks in slot order.
func (a *arena) each(fn func(controlBlock)) {
	for i := 1; i < len(a.slots); i++ {
		if cb := a.slots[i].cb; cb != nil {
			fn(cb)
		}
	}
}

// lookup resolves h to a control block of type T.
func lookup[T controlBlock](k *Kernel, h Handle) (T, error) {
	var zero T
	cb, ok := k.objects.get(h)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	v, ok := cb.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is a %s", ErrInvalidHandle, h, cb.hdr().kind)
	}
	return v, nil
}
