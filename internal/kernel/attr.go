package kernel

import (
	"context"
	"fmt"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// Field selects one creation parameter of an attribute builder.
type Field int

const (
	FieldName Field = iota + 1
	FieldAlias

	FieldEntry     // EntryFunc
	FieldArg       // any
	FieldPriority  // int
	FieldThreshold // int
	FieldStackSize // int
	FieldStack     // []byte
	FieldPool      // *BytePool
	FieldTimeSlice // Ticks
	FieldAutoStart // bool

	FieldInherit // bool

	FieldSemKind      // SemKind
	FieldInitialCount // uint32
	FieldMaxCount     // uint32

	FieldMessageWords // int
	FieldCapacity     // int
	FieldStorage      // []byte

	FieldCallback // TimerFunc
	FieldPeriod   // Ticks
	FieldPeriodic // bool

	FieldPoolSize   // int
	FieldBlockSize  // int
	FieldBlockCount // int
)

var fieldNames = map[Field]string{
	FieldName:         "name",
	FieldAlias:        "alias",
	FieldEntry:        "entry",
	FieldArg:          "arg",
	FieldPriority:     "priority",
	FieldThreshold:    "threshold",
	FieldStackSize:    "stack-size",
	FieldStack:        "stack",
	FieldPool:         "pool",
	FieldTimeSlice:    "time-slice",
	FieldAutoStart:    "auto-start",
	FieldInherit:      "inherit",
	FieldSemKind:      "sem-kind",
	FieldInitialCount: "initial-count",
	FieldMaxCount:     "max-count",
	FieldMessageWords: "message-words",
	FieldCapacity:     "capacity",
	FieldStorage:      "storage",
	FieldCallback:     "callback",
	FieldPeriod:       "period",
	FieldPeriodic:     "periodic",
	FieldPoolSize:     "pool-size",
	FieldBlockSize:    "block-size",
	FieldBlockCount:   "block-count",
}

func (f Field) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// Pair is one (selector, value) configuration command.
type Pair struct {
	Field Field
	Value any
}

var kindFields = map[Kind][]Field{
	KindTask:       {FieldEntry, FieldArg, FieldPriority, FieldThreshold, FieldStackSize, FieldStack, FieldPool, FieldTimeSlice, FieldAutoStart},
	KindMutex:      {FieldInherit},
	KindSemaphore:  {FieldSemKind, FieldInitialCount, FieldMaxCount},
	KindEventFlags: {},
	KindQueue:      {FieldMessageWords, FieldCapacity, FieldStorage, FieldPool},
	KindTimer:      {FieldCallback, FieldArg, FieldPeriod, FieldPeriodic, FieldAutoStart},
	KindBytePool:   {FieldPoolSize, FieldStorage},
	KindBlockPool:  {FieldBlockSize, FieldBlockCount, FieldStorage},
}

// attrCost is the heap charge of one live builder.
const attrCost = 64

// Attr is a two-phase attribute builder. It is not safe for concurrent use.
type Attr struct {
	k      *Kernel
	kind   Kind
	fields *linkedhashmap.Map // Field -> normalized value
	mem    []byte
	live   bool
}

// CreateAttr allocates a builder for objects of the given kind. Every
// builder must be consumed by a successful constructor or released with
// DelAttr; an abandoned builder keeps its heap charge.
func (k *Kernel) CreateAttr(kind Kind) (*Attr, error) {
	if _, ok := kindFields[kind]; !ok {
		return nil, fmt.Errorf("%w: object kind %d", ErrInvalidArgument, int(kind))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	mem, ok := k.heap.alloc.Alloc(attrCost)
	if !ok {
		return nil, fmt.Errorf("%w: attribute builder", ErrNoMemory)
	}
	return &Attr{
		k:      k,
		kind:   kind,
		fields: linkedhashmap.New(),
		mem:    mem,
		live:   true,
	}, nil
}

// DelAttr releases a builder that was not consumed.
func (k *Kernel) DelAttr(a *Attr) error {
	if a == nil || a.k != k {
		return ErrInvalidHandle
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if !a.live {
		return fmt.Errorf("%w: attribute builder already released", ErrInvalidHandle)
	}
	k.retireAttr(a)
	return nil
}

// Kind returns the object kind the builder configures.
func (a *Attr) Kind() Kind { return a.kind }

// Set records one field. Fields foreign to the builder's kind, repeated
// fields and values of the wrong type are rejected.
func (a *Attr) Set(f Field, v any) error {
	if !a.live {
		return fmt.Errorf("%w: attribute builder already consumed", ErrInvalidHandle)
	}
	if !a.allows(f) {
		return fmt.Errorf("%w: field %s not valid for %s", ErrInvalidArgument, f, a.kind)
	}
	if _, dup := a.fields.Get(f); dup {
		return fmt.Errorf("%w: field %s set twice", ErrInvalidArgument, f)
	}
	norm, ok := normalize(f, v)
	if !ok {
		return fmt.Errorf("%w: field %s does not accept %T", ErrInvalidArgument, f, v)
	}
	a.fields.Put(f, norm)
	return nil
}

// Apply sets pairs in order and stops at the first rejected pair.
func (a *Attr) Apply(pairs ...Pair) error {
	for i, p := range pairs {
		if err := a.Set(p.Field, p.Value); err != nil {
			return fmt.Errorf("pair %d: %w", i, err)
		}
	}
	return nil
}

// Pairs returns the recorded fields in the order they were set.
func (a *Attr) Pairs() []Pair {
	out := make([]Pair, 0, a.fields.Size())
	it := a.fields.Iterator()
	for it.Next() {
		out = append(out, Pair{Field: it.Key().(Field), Value: it.Value()})
	}
	return out
}

func (a *Attr) allows(f Field) bool {
	if f == FieldName || f == FieldAlias {
		return true
	}
	for _, allowed := range kindFields[a.kind] {
		if allowed == f {
			return true
		}
	}
	return false
}

// checkAttr validates a builder handed to a constructor. Called with k.mu
// held.
func (k *Kernel) checkAttr(a *Attr, kind Kind) error {
	switch {
	case a == nil || a.k != k:
		return fmt.Errorf("%w: attribute builder", ErrInvalidHandle)
	case !a.live:
		return fmt.Errorf("%w: attribute builder already consumed", ErrInvalidHandle)
	case a.kind != kind:
		return fmt.Errorf("%w: %s builder used to create a %s", ErrInvalidArgument, a.kind, kind)
	}
	return nil
}

// retireAttr invalidates a builder and returns its heap charge. Called with
// k.mu held.
func (k *Kernel) retireAttr(a *Attr) {
	k.heap.alloc.Free(a.mem)
	a.mem = nil
	a.live = false
	a.fields.Clear()
	k.wakePoolWaiters(k.heap)
}

// attrValue returns field f of a, or def when it was not set.
func attrValue[T any](a *Attr, f Field, def T) T {
	if v, ok := a.fields.Get(f); ok {
		if tv, ok := v.(T); ok {
			return tv
		}
	}
	return def
}

func attrHas(a *Attr, f Field) bool {
	_, ok := a.fields.Get(f)
	return ok
}

func normalize(f Field, v any) (any, bool) {
	switch f {
	case FieldName, FieldAlias:
		s, ok := v.(string)
		return s, ok
	case FieldArg:
		return v, true
	case FieldEntry:
		switch fn := v.(type) {
		case EntryFunc:
			return fn, fn != nil
		case func(context.Context, any):
			return EntryFunc(fn), fn != nil
		}
	case FieldCallback:
		switch fn := v.(type) {
		case TimerFunc:
			return fn, fn != nil
		case func(context.Context, any):
			return TimerFunc(fn), fn != nil
		}
	case FieldPriority, FieldThreshold, FieldStackSize, FieldMessageWords, FieldCapacity,
		FieldPoolSize, FieldBlockSize, FieldBlockCount:
		n, ok := v.(int)
		return n, ok && n >= 0
	case FieldTimeSlice, FieldPeriod:
		switch n := v.(type) {
		case Ticks:
			return n, true
		case int:
			return Ticks(n), n >= 0 && uint64(n) <= uint64(WaitForever)
		}
	case FieldAutoStart, FieldInherit, FieldPeriodic:
		b, ok := v.(bool)
		return b, ok
	case FieldStack, FieldStorage:
		b, ok := v.([]byte)
		return b, ok && len(b) > 0
	case FieldPool:
		p, ok := v.(*BytePool)
		return p, ok && p != nil
	case FieldSemKind:
		sk, ok := v.(SemKind)
		return sk, ok && sk >= SemGeneral && sk <= SemCounting
	case FieldInitialCount, FieldMaxCount:
		switch n := v.(type) {
		case uint32:
			return n, true
		case int:
			return uint32(n), n >= 0 && uint64(n) <= 0xFFFFFFFF
		}
	}
	return nil, false
}
