// Package kernel is a preemptive, priority based real-time kernel simulated
// on top of the Go runtime: tasks, mutexes, semaphores, event flags, message
// queues, software timers and memory pools.
//
// Every task runs on its own goroutine, but only the task the scheduler has
// dispatched executes; the others are parked until the dispatcher hands them
// the CPU. Kernel calls made by the running task are preemption points.
// Contexts carry the caller's identity: a task's entry function receives a
// context naming that task, timer callbacks receive a timer-service context,
// and any other context is treated as interrupt context (or initialization
// context before Start).
package kernel

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ticks counts scheduler ticks.
type Ticks uint32

const (
	// NoWait makes a call fail immediately instead of blocking.
	NoWait Ticks = 0
	// WaitForever blocks until the request is satisfied or cancelled.
	WaitForever Ticks = 0xFFFFFFFF
)

// Option configures a Kernel.
type Option func(k *Kernel)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithTracer installs an event sink.
func WithTracer(t Tracer) Option {
	return func(k *Kernel) { k.tracer = t }
}

// Kernel is one kernel instance. All control blocks it owns are guarded by
// mu; every public operation holds it for its whole duration except while
// the calling task is parked.
type Kernel struct {
	id     string
	cfg    Config
	log    *zap.Logger
	tracer Tracer

	mu       sync.Mutex
	objects  *arena
	started  bool
	shutdown bool
	ticks    uint64

	running   *tcb
	preempted []*tcb             // ready tasks that lost the CPU while shielded by a threshold
	ready     *redblacktree.Tree // readyKey -> *tcb
	headSeq   int64
	tailSeq   int64
	timeouts  *redblacktree.Tree // deadlineKey -> *tcb
	timers    *redblacktree.Tree // deadlineKey -> *timerCB
	seq       int64

	idle       chan struct{}
	idleClosed bool

	heap     *bytePoolCB
	heapPool *BytePool

	baseCtx  context.Context
	cancel   context.CancelFunc
	timerCtx context.Context
	clock    *TickClock

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// New creates a kernel in initialization state: objects can be created, but
// no task runs before Start.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	cfg = cfg.sanitize()
	k := &Kernel{
		id:       uuid.New().String(),
		cfg:      cfg,
		log:      zap.NewNop(),
		objects:  newArena(),
		ready:    redblacktree.NewWith(readyCmp),
		timeouts: redblacktree.NewWith(deadlineCmp),
		timers:   redblacktree.NewWith(deadlineCmp),
		idle:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.log = k.log.With(zap.String("kernel", k.id))
	close(k.idle)
	k.idleClosed = true

	k.baseCtx, k.cancel = context.WithCancel(context.Background())
	k.timerCtx = context.WithValue(k.baseCtx, execKey{}, &execContext{k: k, kind: execTimer})

	heap, err := k.newBytePoolCB("system heap", "", make([]byte, cfg.HeapSize), false)
	if err != nil {
		return nil, fmt.Errorf("create kernel heap: %w", err)
	}
	k.heap = heap
	k.heapPool = &BytePool{k: k, h: heap.handle}

	k.log.Debug("kernel created",
		zap.Int("heap_size", cfg.HeapSize),
		zap.Int("max_priority", cfg.MaxPriority))
	return k, nil
}

// ID returns the instance identifier used in log fields.
func (k *Kernel) ID() string { return k.id }

// Config returns the sanitized configuration.
func (k *Kernel) Config() Config { return k.cfg }

// Heap returns the kernel's own byte pool.
func (k *Kernel) Heap() *BytePool { return k.heapPool }

// Ticks returns the number of ticks processed so far.
func (k *Kernel) Ticks() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ticks
}

// Overruns returns how many wall-clock ticks Run dropped because the
// kernel had not consumed the previous ones.
func (k *Kernel) Overruns() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.clock == nil {
		return 0
	}
	return k.clock.Overruns()
}

// Start leaves initialization and dispatches the most urgent ready task.
func (k *Kernel) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started || k.shutdown {
		return
	}
	k.started = true
	k.log.Info("kernel started", zap.Int("tasks", k.ready.Size()))
	if k.running == nil {
		k.dispatch(k.pick())
	}
}

// Run starts the kernel and drives Tick from a wall-clock TickClock until ctx
// is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	k.Start()

	clock := NewTickClock(256) // buffer size for tick events
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return nil
	}
	k.clock = clock
	k.mu.Unlock()
	clock.Start(time.Duration(k.cfg.TickMS) * time.Millisecond)
	defer clock.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-clock.Ch:
			if !ok {
				return nil
			}
			k.Tick()
		}
	}
}

// Tick advances kernel time by one tick: expires timeouts and sleeps,
// rotates the running task's time slice, and fires due timers. Timer
// callbacks run on the calling goroutine after the kernel lock is released.
func (k *Kernel) Tick() {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return
	}
	k.ticks++

	for {
		node := k.timeouts.Left()
		if node == nil || node.Key.(deadlineKey).at > k.ticks {
			break
		}
		k.expire(node.Value.(*tcb))
	}

	if cur := k.running; cur != nil && cur.state == StateReady && cur.timeSlice > 0 && cur.threshold == cur.priority {
		cur.sliceLeft--
		if cur.sliceLeft <= 0 {
			cur.sliceLeft = cur.timeSlice
			k.unready(cur)
			k.makeReady(cur, false)
			cur.yielded = true
		}
	}

	fired := k.expireTimers()
	k.rescheduleAsync()
	k.mu.Unlock()

	for _, f := range fired {
		f.fn(k.timerCtx, f.arg)
	}
}

// WaitIdle blocks until no task holds the CPU: every task is blocked,
// suspended or finished.
func (k *Kernel) WaitIdle(ctx context.Context) error {
	k.mu.Lock()
	ch := k.idle
	k.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates every task, stops the tick clock and closes the
// trace. Task goroutines exit as soon as they are next scheduled or call
// into the kernel.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return
	}
	k.shutdown = true
	k.objects.each(func(cb controlBlock) {
		t, ok := cb.(*tcb)
		if !ok || t.state == StateCompleted || t.state == StateTerminated {
			return
		}
		t.state = StateTerminated
		t.inReady = false
		t.timed = false
		t.gen++
		select {
		case t.wake <- struct{}{}:
		default:
		}
	})
	k.ready.Clear()
	k.preempted = nil
	k.timeouts.Clear()
	k.timers.Clear()
	k.running = nil
	if !k.idleClosed {
		close(k.idle)
		k.idleClosed = true
	}
	clock := k.clock
	k.closeTrace()
	k.mu.Unlock()

	k.cancel()
	var overruns uint64
	if clock != nil {
		clock.Stop()
		overruns = clock.Overruns()
	}
	k.log.Info("kernel shut down", zap.Uint64("overruns", overruns))
}

type execKind int

const (
	execInit execKind = iota
	execISR
	execTimer
	execTask
)

type execKey struct{}

type execContext struct {
	k    *Kernel
	kind execKind
	t    *tcb
	gen  uint64
}

// caller describes who entered the kernel.
type caller struct {
	kind execKind
	t    *tcb
	gen  uint64
	err  error
}

func (c caller) isTask() bool { return c.kind == execTask }

// enter takes the kernel lock and classifies the caller. A task that was
// terminated while it ran outside the kernel exits here.
func (k *Kernel) enter(ctx context.Context) caller {
	ec, _ := ctx.Value(execKey{}).(*execContext)
	k.mu.Lock()
	if ec == nil || ec.k != k {
		if k.started {
			return caller{kind: execISR}
		}
		return caller{kind: execInit}
	}
	if ec.kind == execTimer {
		return caller{kind: execTimer}
	}

	t := ec.t
	if t.gen != ec.gen {
		k.mu.Unlock()
		runtime.Goexit()
	}
	c := caller{kind: execTask, t: t, gen: ec.gen}
	if k.running != t {
		c.err = fmt.Errorf("%w: task %s does not hold the CPU", ErrCallerContext, t.name)
	}
	return c
}

// leave is the preemption point of every kernel call. It releases the lock.
func (k *Kernel) leave(c caller) {
	if c.isTask() {
		if c.t.gen == c.gen && c.err == nil && !k.preemptionPoint(c.t) {
			k.mu.Unlock()
			runtime.Goexit()
		}
	} else {
		k.rescheduleAsync()
	}
	k.mu.Unlock()
}
