package kernel

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// EntryFunc is a task body. ctx identifies the task to every kernel call.
type EntryFunc func(ctx context.Context, arg any)

// State is the lifecycle state of a task.
type State int

const (
	StateReady State = iota
	StateRunning
	StateSleep
	StateSuspended
	StateWaiting
	StateCompleted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleep:
		return "sleep"
	case StateSuspended:
		return "suspended"
	case StateWaiting:
		return "waiting"
	case StateCompleted:
		return "completed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// tcb is a task control block.
type tcb struct {
	header

	entry EntryFunc
	arg   any

	priority      int // effective, raised by inheritance
	threshold     int
	userPriority  int // as created or last changed
	userThreshold int
	timeSlice     int64
	sliceLeft     int64
	yielded       bool

	state    State
	runCount uint64

	stack     []byte
	stackPool *bytePoolCB // nil when the caller supplied the stack

	// gen identifies the goroutine incarnation; bumped on terminate and
	// restart so a stale goroutine exits at its next kernel contact.
	gen  uint64
	wake chan struct{}

	readyKey readyKey
	inReady  bool
	timeout  deadlineKey
	timed    bool
	wait     *waiter

	owned []*mutexCB
}

// Task is a handle to a kernel task.
type Task struct {
	k *Kernel
	h Handle
}

// TaskInfo is a snapshot of a task.
type TaskInfo struct {
	Name      string
	Alias     string
	State     State
	Priority  int
	Threshold int
	BaseLevel int // priority as created or last changed, without inheritance
	TimeSlice Ticks
	RunCount  uint64
	StackSize int
	WaitingOn string
}

func (t *Task) Handle() Handle { return t.h }
func (t *Task) Kind() Kind     { return KindTask }

func (t *Task) Name() string {
	info, err := t.Info()
	if err != nil {
		return ""
	}
	return info.Name
}

// NewTask creates a task from a KindTask builder and consumes the builder.
// The task is ready at once unless AutoStart was set to false, in which case
// it starts suspended.
func (k *Kernel) NewTask(ctx context.Context, a *Attr) (*Task, error) {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if c.kind == execTimer {
		return nil, fmt.Errorf("%w: create task from timer", ErrCallerContext)
	}
	if err := k.checkAttr(a, KindTask); err != nil {
		return nil, err
	}

	entry := attrValue[EntryFunc](a, FieldEntry, nil)
	if entry == nil {
		return nil, fmt.Errorf("%w: task needs an entry function", ErrInvalidArgument)
	}
	priority := attrValue(a, FieldPriority, k.cfg.DefaultPriority)
	if priority > k.cfg.MaxPriority {
		return nil, fmt.Errorf("%w: priority %d outside 0..%d", ErrInvalidArgument, priority, k.cfg.MaxPriority)
	}
	threshold := attrValue(a, FieldThreshold, priority)
	if threshold > priority {
		return nil, fmt.Errorf("%w: threshold %d less urgent than priority %d", ErrInvalidArgument, threshold, priority)
	}

	t := &tcb{
		header:        header{kind: KindTask, name: attrValue(a, FieldName, ""), alias: attrValue(a, FieldAlias, "")},
		entry:         entry,
		arg:           attrValue[any](a, FieldArg, nil),
		priority:      priority,
		threshold:     threshold,
		userPriority:  priority,
		userThreshold: threshold,
		timeSlice:     int64(attrValue(a, FieldTimeSlice, Ticks(k.cfg.TimeSlice))),
	}

	if attrHas(a, FieldStack) {
		t.stack = attrValue[[]byte](a, FieldStack, nil)
	} else {
		pool := k.heap
		if p := attrValue[*BytePool](a, FieldPool, nil); p != nil {
			cb, err := lookup[*bytePoolCB](k, p.h)
			if err != nil {
				return nil, err
			}
			pool = cb
		}
		stack, ok := pool.alloc.Alloc(attrValue(a, FieldStackSize, k.cfg.StackSize))
		if !ok {
			return nil, fmt.Errorf("%w: stack for task %s", ErrNoMemory, t.name)
		}
		t.stack, t.stackPool = stack, pool
	}

	autoStart := attrValue(a, FieldAutoStart, true)
	k.objects.put(t)
	k.retireAttr(a)
	k.launch(t)
	if autoStart {
		k.makeReady(t, false)
	} else {
		t.state = StateSuspended
	}
	k.emit(EventCreate, t, "", t.state.String())
	k.log.Debug("task created",
		zap.String("task", t.name),
		zap.Int("priority", t.priority),
		zap.Int("threshold", t.threshold),
		zap.Int("stack", len(t.stack)))
	return &Task{k: k, h: t.handle}, nil
}

// launch starts a fresh goroutine incarnation for t. It stays parked until
// the dispatcher first hands it the CPU.
func (k *Kernel) launch(t *tcb) {
	t.gen++
	t.wake = make(chan struct{}, 1)
	gen, wake := t.gen, t.wake
	ctx := context.WithValue(k.baseCtx, execKey{}, &execContext{k: k, kind: execTask, t: t, gen: gen})

	go func() {
		<-wake
		k.mu.Lock()
		alive := t.gen == gen
		k.mu.Unlock()
		if !alive {
			return
		}

		t.entry(ctx, t.arg)

		k.mu.Lock()
		defer k.mu.Unlock()
		if t.gen != gen {
			return
		}
		k.finish(t, StateCompleted)
	}()
}

// finish moves t to a terminal state and gives up the CPU if t holds it.
func (k *Kernel) finish(t *tcb, state State) {
	k.detach(t)
	t.state = state
	kind := EventComplete
	if state == StateTerminated {
		kind = EventTerminate
	}
	k.emit(kind, t, "", "")
	if k.running == t {
		k.dispatch(k.pick())
	}
}

// detach unlinks t from every scheduler structure and releases the mutexes
// it owns.
func (k *Kernel) detach(t *tcb) {
	k.unready(t)
	k.forgetPreempted(t)
	k.disarmTimeout(t)
	if w := t.wait; w != nil {
		if w.queue != nil {
			w.queue.remove(t)
		}
		t.wait = nil
	}
	k.releaseOwned(t)
}

func exitTask() { runtime.Goexit() }

func (t *Task) resolve(k *Kernel) (*tcb, error) {
	return lookup[*tcb](k, t.h)
}

// Sleep suspends the calling task for the given number of ticks. Sleeping
// zero ticks returns at once.
func (k *Kernel) Sleep(ctx context.Context, ticks Ticks) error {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	if !c.isTask() {
		return fmt.Errorf("%w: sleep outside task context", ErrCallerContext)
	}
	if ticks == NoWait {
		return nil
	}
	return k.block(c.t, StateSleep, &waiter{object: "sleep"}, ticks)
}

// Relinquish yields the CPU to ready tasks of the same priority.
func (k *Kernel) Relinquish(ctx context.Context) error {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	if !c.isTask() {
		return fmt.Errorf("%w: relinquish outside task context", ErrCallerContext)
	}
	k.unready(c.t)
	k.makeReady(c.t, false)
	c.t.yielded = true
	return nil
}

// Self returns the calling task, or nil outside task context.
func (k *Kernel) Self(ctx context.Context) *Task {
	c := k.enter(ctx)
	defer k.leave(c)
	if !c.isTask() || c.err != nil {
		return nil
	}
	return &Task{k: k, h: c.t.handle}
}

// Suspend suspends the calling task until another context resumes it. A
// task may only suspend itself.
func (t *Task) Suspend(ctx context.Context) error {
	k := t.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	target, err := t.resolve(k)
	if err != nil {
		return err
	}
	if !c.isTask() || c.t != target {
		return fmt.Errorf("%w: only a task can suspend itself", ErrCallerContext)
	}
	k.emit(EventSuspend, target, "", "")
	return k.block(target, StateSuspended, &waiter{object: "suspend"}, WaitForever)
}

// Resume readies a suspended task. Tasks waiting on sleep or objects are not
// affected.
func (t *Task) Resume(ctx context.Context) error {
	k := t.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	target, err := t.resolve(k)
	if err != nil {
		return err
	}
	if target.state != StateSuspended {
		return fmt.Errorf("%w: task %s is %s, not suspended", ErrTaskState, target.name, target.state)
	}
	k.emit(EventResume, target, "", "")
	k.resume(target, nil)
	return nil
}

// Terminate stops any task, including the caller. Terminating a finished
// task succeeds without effect.
func (t *Task) Terminate(ctx context.Context) error {
	k := t.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	target, err := t.resolve(k)
	if err != nil {
		return err
	}
	if target.state == StateCompleted || target.state == StateTerminated {
		return nil
	}

	self := c.isTask() && c.t == target
	wake := target.wake
	target.gen++
	k.finish(target, StateTerminated)
	k.log.Debug("task terminated", zap.String("task", target.name), zap.Bool("self", self))
	if self {
		exitTask()
	}
	select {
	case wake <- struct{}{}:
	default:
	}
	return nil
}

// Restart relaunches a completed or terminated task from its entry function.
func (t *Task) Restart(ctx context.Context) error {
	k := t.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	target, err := t.resolve(k)
	if err != nil {
		return err
	}
	if target.state != StateCompleted && target.state != StateTerminated {
		return fmt.Errorf("%w: restart of %s task %s", ErrTaskState, target.state, target.name)
	}
	target.priority, target.threshold = target.userPriority, target.userThreshold
	target.yielded = false
	k.launch(target)
	k.makeReady(target, false)
	k.emit(EventCreate, target, "", "restart")
	return nil
}

// WaitAbort wakes a task blocked in Sleep or on an object with
// ErrWaitAborted. An explicit Suspend is not lifted.
func (t *Task) WaitAbort(ctx context.Context) error {
	k := t.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	target, err := t.resolve(k)
	if err != nil {
		return err
	}
	if target.state != StateSleep && target.state != StateWaiting {
		return fmt.Errorf("%w: task %s is %s", ErrNotWaiting, target.name, target.state)
	}
	k.resume(target, ErrWaitAborted)
	return nil
}

// Delete releases a completed or terminated task. The stack goes back to its
// pool unless the caller supplied it.
func (t *Task) Delete(ctx context.Context) error {
	k := t.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	target, err := t.resolve(k)
	if err != nil {
		return err
	}
	if c.isTask() && c.t == target {
		return fmt.Errorf("%w: a task cannot delete itself", ErrCallerContext)
	}
	if target.state != StateCompleted && target.state != StateTerminated {
		return fmt.Errorf("%w: delete of %s task %s", ErrTaskState, target.state, target.name)
	}
	if target.stackPool != nil {
		target.stackPool.alloc.Free(target.stack)
		k.wakePoolWaiters(target.stackPool)
	}
	target.stack = nil
	k.objects.release(target.handle)
	k.emit(EventDelete, target, "", "")
	return nil
}

// ChangePriority sets a new priority, resets the threshold to it, and
// returns the previous priority.
func (t *Task) ChangePriority(ctx context.Context, priority int) (int, error) {
	k := t.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return 0, c.err
	}
	target, err := t.resolve(k)
	if err != nil {
		return 0, err
	}
	if priority < 0 || priority > k.cfg.MaxPriority {
		return 0, fmt.Errorf("%w: priority %d outside 0..%d", ErrInvalidArgument, priority, k.cfg.MaxPriority)
	}
	old := target.userPriority
	target.userPriority, target.userThreshold = priority, priority
	k.setPriority(target, min(priority, inheritedFloor(target)), priority)
	return old, nil
}

// ChangeThreshold sets a new preemption threshold and returns the previous
// one. The threshold cannot be less urgent than the priority.
func (t *Task) ChangeThreshold(ctx context.Context, threshold int) (int, error) {
	k := t.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return 0, c.err
	}
	target, err := t.resolve(k)
	if err != nil {
		return 0, err
	}
	if threshold < 0 || threshold > target.priority {
		return 0, fmt.Errorf("%w: threshold %d for priority %d", ErrInvalidArgument, threshold, target.priority)
	}
	old := target.threshold
	target.userThreshold = threshold
	k.setPriority(target, target.priority, threshold)
	return old, nil
}

// Info returns a snapshot of the task.
func (t *Task) Info() (TaskInfo, error) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	target, err := t.resolve(k)
	if err != nil {
		return TaskInfo{}, err
	}
	info := TaskInfo{
		Name:      target.name,
		Alias:     target.alias,
		State:     target.state,
		Priority:  target.priority,
		Threshold: target.threshold,
		BaseLevel: target.userPriority,
		TimeSlice: Ticks(target.timeSlice),
		RunCount:  target.runCount,
		StackSize: len(target.stack),
	}
	if k.running == target {
		info.State = StateRunning
	}
	if target.wait != nil {
		info.WaitingOn = target.wait.object
	}
	return info, nil
}
