// internal/kernel/sched.go

package kernel

import "slices"

// readyKey orders the run queue: most urgent priority first, FIFO within a
// priority. Preempted tasks re-enter with a decreasing head sequence so they
// resume before their peers.
type readyKey struct {
	priority int
	seq      int64
}

// readyCmp implements the Comparator for red-black tree ordering.
func readyCmp(a, b any) int {
	ka, kb := a.(readyKey), b.(readyKey)
	switch {
	case ka.priority < kb.priority:
		return -1
	case ka.priority > kb.priority:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// deadlineKey orders timeouts and timers by expiry tick, then arming order.
type deadlineKey struct {
	at  uint64
	seq int64
}

func deadlineCmp(a, b any) int {
	ka, kb := a.(deadlineKey), b.(deadlineKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

func (k *Kernel) nextDeadline(after Ticks) deadlineKey {
	k.seq++
	return deadlineKey{at: k.ticks + uint64(after), seq: k.seq}
}

// makeReady links t into the run queue, at the tail of its priority or,
// with front set, at the head.
func (k *Kernel) makeReady(t *tcb, front bool) {
	t.state = StateReady
	if t.inReady {
		return
	}
	var seq int64
	if front {
		k.headSeq--
		seq = k.headSeq
	} else {
		k.tailSeq++
		seq = k.tailSeq
	}
	t.readyKey = readyKey{priority: t.priority, seq: seq}
	t.inReady = true
	k.ready.Put(t.readyKey, t)
}

func (k *Kernel) unready(t *tcb) {
	if !t.inReady {
		return
	}
	k.ready.Remove(t.readyKey)
	t.inReady = false
}

// pick returns the task that should hold the CPU. A task shielded by a
// preemption threshold keeps or regains the CPU against any task that does
// not beat that threshold.
func (k *Kernel) pick() *tcb {
	node := k.ready.Left()
	if node == nil {
		return nil
	}
	best := node.Value.(*tcb)
	if g := k.guard(); g != nil && g != best && best.priority >= g.threshold {
		return g
	}
	return best
}

// guard returns the task whose threshold currently shields the CPU: the
// running task unless it gave up its turn, or a preempted task with a
// tighter threshold.
func (k *Kernel) guard() *tcb {
	var g *tcb
	if cur := k.running; cur != nil && cur.inReady && !cur.yielded {
		g = cur
	}
	for _, t := range k.preempted {
		if g == nil || t.threshold < g.threshold {
			g = t
		}
	}
	return g
}

// forgetPreempted drops t from the preempted stack.
func (k *Kernel) forgetPreempted(t *tcb) {
	k.preempted = slices.DeleteFunc(k.preempted, func(p *tcb) bool { return p == t })
}

// dispatch hands the CPU to next, which may be nil for idle.
func (k *Kernel) dispatch(next *tcb) {
	prev := k.running
	k.running = next
	if next == nil {
		if !k.idleClosed {
			close(k.idle)
			k.idleClosed = true
		}
		if prev != nil {
			k.emit(EventIdle, nil, "", "")
		}
		return
	}
	if k.idleClosed {
		k.idle = make(chan struct{})
		k.idleClosed = false
	}
	next.yielded = false
	if next == prev {
		return
	}
	if prev != nil && prev.inReady && !prev.yielded && prev.threshold < prev.priority {
		k.preempted = append(k.preempted, prev)
	}
	k.forgetPreempted(next)
	next.sliceLeft = next.timeSlice
	next.runCount++
	k.emit(EventDispatch, next, "", "")
	select {
	case next.wake <- struct{}{}:
	default:
	}
}

// rescheduleAsync runs after calls from outside task context. An idle CPU is
// handed out at once; a running task is switched at its next kernel call.
func (k *Kernel) rescheduleAsync() {
	if !k.started || k.shutdown || k.running != nil {
		return
	}
	k.dispatch(k.pick())
}

// preemptionPoint switches away from the running task t if another task
// should run. It reports false if t was terminated while parked, in which
// case the lock is still held and the goroutine must exit.
func (k *Kernel) preemptionPoint(t *tcb) bool {
	if k.running != t || !t.inReady {
		return true
	}
	next := k.pick()
	if next == t {
		t.yielded = false
		return true
	}
	k.emit(EventPreempt, t, "", next.name)
	k.dispatch(next)
	return k.park(t)
}

// park releases the lock until the dispatcher hands the CPU back to t. It
// reports false if t was terminated meanwhile; the lock is held either way.
func (k *Kernel) park(t *tcb) bool {
	wake, gen := t.wake, t.gen
	k.mu.Unlock()
	<-wake
	k.mu.Lock()
	return t.gen == gen
}

// waiter is the suspension record of a blocked task.
type waiter struct {
	queue  *waitQueue
	object string
	result error

	// event flags
	mask   uint32
	mode   FlagMode
	actual uint32

	// message queues
	msg   []uint32
	front bool
	dst   []uint32

	// memory pools
	size int
	mem  []byte
}

// block suspends the running task t on w (and w.queue, if any) until it is
// resumed, times out, is aborted or the object is deleted. Called with the
// lock held; returns with it held. A task terminated while blocked never
// returns from here.
func (k *Kernel) block(t *tcb, state State, w *waiter, timeout Ticks) error {
	t.wait = w
	if w.queue != nil {
		w.queue.push(t)
	}
	k.unready(t)
	k.forgetPreempted(t)
	t.state = state
	if timeout != WaitForever {
		k.armTimeout(t, timeout)
	}
	k.emit(EventBlock, t, w.object, state.String())
	k.dispatch(k.pick())
	if !k.park(t) {
		exitTask()
	}
	return w.result
}

// resume makes a blocked or suspended task ready with the given wait
// result.
func (k *Kernel) resume(t *tcb, result error) {
	if w := t.wait; w != nil {
		if w.queue != nil {
			w.queue.remove(t)
		}
		w.result = result
		t.wait = nil
	}
	k.disarmTimeout(t)
	k.makeReady(t, false)
	k.emit(EventWake, t, "", errDetail(result))
}

// expire handles a due timeout.
func (k *Kernel) expire(t *tcb) {
	k.disarmTimeout(t)
	switch t.state {
	case StateSleep:
		k.resume(t, nil)
	case StateWaiting:
		obj := ""
		if t.wait != nil {
			obj = t.wait.object
		}
		k.emit(EventTimeout, t, obj, "")
		k.resume(t, ErrTimeout)
	}
}

func (k *Kernel) armTimeout(t *tcb, after Ticks) {
	k.disarmTimeout(t)
	t.timeout = k.nextDeadline(after)
	t.timed = true
	k.timeouts.Put(t.timeout, t)
}

func (k *Kernel) disarmTimeout(t *tcb) {
	if !t.timed {
		return
	}
	k.timeouts.Remove(t.timeout)
	t.timed = false
}

// setPriority changes t's effective priority and threshold, moving it within
// the run queue. The running task keeps the head of its new priority.
func (k *Kernel) setPriority(t *tcb, priority, threshold int) {
	if t.priority == priority && t.threshold == threshold {
		return
	}
	if t.priority != priority {
		k.emit(EventPriority, t, "", priorityDetail(t.priority, priority))
	}
	t.priority = priority
	t.threshold = min(threshold, priority)
	if t.inReady {
		k.unready(t)
		k.makeReady(t, k.running == t)
	}
}

func errDetail(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
