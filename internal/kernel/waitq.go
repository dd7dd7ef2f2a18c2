package kernel

import (
	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// waitQueue is the FIFO suspension queue of a kernel object.
type waitQueue struct {
	list *doublylinkedlist.List // of *tcb
}

func newWaitQueue() *waitQueue {
	return &waitQueue{list: doublylinkedlist.New()}
}

func (q *waitQueue) push(t *tcb) { q.list.Add(t) }

func (q *waitQueue) len() int { return q.list.Size() }

func (q *waitQueue) front() *tcb {
	v, ok := q.list.Get(0)
	if !ok {
		return nil
	}
	return v.(*tcb)
}

func (q *waitQueue) remove(t *tcb) {
	if i := q.list.IndexOf(t); i >= 0 {
		q.list.Remove(i)
	}
}

// tasks returns a snapshot in queue order, safe to iterate while waking.
func (q *waitQueue) tasks() []*tcb {
	values := q.list.Values()
	out := make([]*tcb, len(values))
	for i, v := range values {
		out[i] = v.(*tcb)
	}
	return out
}

// mostUrgent returns the first queued task with the numerically lowest
// priority.
func (q *waitQueue) mostUrgent() *tcb {
	var best *tcb
	it := q.list.Iterator()
	for it.Next() {
		t := it.Value().(*tcb)
		if best == nil || t.priority < best.priority {
			best = t
		}
	}
	return best
}

// prioritize moves the most urgent waiter to the head of the queue once;
// later arrivals queue FIFO behind it as usual.
func (q *waitQueue) prioritize() {
	best := q.mostUrgent()
	if best == nil || best == q.front() {
		return
	}
	q.remove(best)
	q.list.Prepend(best)
}

// wakeAll resumes every waiter with result, in queue order.
func (k *Kernel) wakeAll(q *waitQueue, result error) int {
	waiters := q.tasks()
	for _, t := range waiters {
		k.resume(t, result)
	}
	return len(waiters)
}
