package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
)

// MaxMessageWords is the largest message a queue can carry.
const MaxMessageWords = 16

type queueCB struct {
	header
	words    int
	capacity int
	storage  []byte
	pool     *bytePoolCB // owner of storage, nil when caller supplied

	head  int
	count int

	receivers *waitQueue
	senders   *waitQueue
}

// Queue is a handle to a fixed-size message queue.
type Queue struct {
	k *Kernel
	h Handle
}

// QueueInfo is a snapshot of a message queue.
type QueueInfo struct {
	Name         string
	Alias        string
	MessageWords int
	Capacity     int
	Enqueued     int
	Available    int
	Receivers    int
	Senders      int
}

func (q *Queue) Handle() Handle { return q.h }
func (q *Queue) Kind() Kind     { return KindQueue }

func (q *Queue) Name() string {
	info, _ := q.Info()
	return info.Name
}

// NewQueue creates a queue from a KindQueue builder and consumes the
// builder. Storage is either supplied (capacity defaults to what fits) or
// carved from Pool, or the kernel heap, for Capacity messages.
func (k *Kernel) NewQueue(ctx context.Context, a *Attr) (*Queue, error) {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if err := k.checkAttr(a, KindQueue); err != nil {
		return nil, err
	}

	words := attrValue(a, FieldMessageWords, 0)
	if words < 1 || words > MaxMessageWords {
		return nil, fmt.Errorf("%w: message size %d words outside 1..%d", ErrInvalidArgument, words, MaxMessageWords)
	}
	slot := words * 4
	qc := &queueCB{
		header:    header{kind: KindQueue, name: attrValue(a, FieldName, ""), alias: attrValue(a, FieldAlias, "")},
		words:     words,
		capacity:  attrValue(a, FieldCapacity, 0),
		receivers: newWaitQueue(),
		senders:   newWaitQueue(),
	}

	if storage := attrValue[[]byte](a, FieldStorage, nil); storage != nil {
		if attrHas(a, FieldPool) {
			return nil, fmt.Errorf("%w: queue takes storage or a pool, not both", ErrInvalidArgument)
		}
		if qc.capacity == 0 {
			qc.capacity = len(storage) / slot
		}
		if qc.capacity == 0 || qc.capacity*slot > len(storage) {
			return nil, fmt.Errorf("%w: %d bytes of storage for %d messages of %d words",
				ErrInvalidArgument, len(storage), qc.capacity, words)
		}
		qc.storage = storage
	} else {
		if qc.capacity == 0 {
			return nil, fmt.Errorf("%w: queue needs a capacity or storage", ErrInvalidArgument)
		}
		pool := k.heap
		if p := attrValue[*BytePool](a, FieldPool, nil); p != nil {
			cb, err := lookup[*bytePoolCB](k, p.h)
			if err != nil {
				return nil, err
			}
			pool = cb
		}
		storage, ok := pool.alloc.Alloc(qc.capacity * slot)
		if !ok {
			return nil, fmt.Errorf("%w: storage for queue %s", ErrNoMemory, qc.name)
		}
		qc.storage, qc.pool = storage, pool
	}

	k.objects.put(qc)
	k.retireAttr(a)
	k.emit(EventCreate, nil, qc.label(), "queue")
	return &Queue{k: k, h: qc.handle}, nil
}

func (qc *queueCB) write(i int, msg []uint32) {
	base := i * qc.words * 4
	for w, v := range msg {
		binary.LittleEndian.PutUint32(qc.storage[base+w*4:], v)
	}
}

func (qc *queueCB) read(i int, dst []uint32) {
	base := i * qc.words * 4
	for w := range dst {
		dst[w] = binary.LittleEndian.Uint32(qc.storage[base+w*4:])
	}
}

func (qc *queueCB) enqueue(msg []uint32, front bool) {
	if front {
		qc.head = (qc.head - 1 + qc.capacity) % qc.capacity
		qc.write(qc.head, msg)
	} else {
		qc.write((qc.head+qc.count)%qc.capacity, msg)
	}
	qc.count++
}

func (qc *queueCB) dequeue(dst []uint32) {
	qc.read(qc.head, dst)
	qc.head = (qc.head + 1) % qc.capacity
	qc.count--
}

// Send copies msg to the tail of the queue, blocking while it is full.
// len(msg) must equal the queue's message size.
func (q *Queue) Send(ctx context.Context, msg []uint32, timeout Ticks) error {
	return q.send(ctx, msg, timeout, false)
}

// SendFront is Send, but the message goes to the head of the queue.
func (q *Queue) SendFront(ctx context.Context, msg []uint32, timeout Ticks) error {
	return q.send(ctx, msg, timeout, true)
}

func (q *Queue) send(ctx context.Context, msg []uint32, timeout Ticks, front bool) error {
	k := q.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	qc, err := lookup[*queueCB](k, q.h)
	if err != nil {
		return err
	}
	if len(msg) != qc.words {
		return fmt.Errorf("%w: %d words sent to %s of %d-word messages", ErrMessageSize, len(msg), qc.label(), qc.words)
	}

	if r := qc.receivers.front(); r != nil {
		copy(r.wait.dst, msg)
		k.resume(r, nil)
		return nil
	}
	if qc.count < qc.capacity {
		qc.enqueue(msg, front)
		return nil
	}
	if timeout == NoWait {
		return fmt.Errorf("%w: %s", ErrQueueFull, qc.label())
	}
	if !c.isTask() {
		return fmt.Errorf("%w: queue %s", ErrWaitContext, qc.label())
	}
	w := &waiter{queue: qc.senders, object: qc.label(), msg: slices.Clone(msg), front: front}
	return k.block(c.t, StateWaiting, w, timeout)
}

// Receive moves the oldest message into dst, blocking while the queue is
// empty. dst must hold at least one message; only the first message-size
// words are written.
func (q *Queue) Receive(ctx context.Context, dst []uint32, timeout Ticks) error {
	k := q.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	qc, err := lookup[*queueCB](k, q.h)
	if err != nil {
		return err
	}
	if len(dst) < qc.words {
		return fmt.Errorf("%w: %d-word buffer for %s of %d-word messages", ErrMessageSize, len(dst), qc.label(), qc.words)
	}
	dst = dst[:qc.words]

	if qc.count > 0 {
		qc.dequeue(dst)
		if s := qc.senders.front(); s != nil {
			qc.enqueue(s.wait.msg, s.wait.front)
			k.resume(s, nil)
		}
		return nil
	}
	if timeout == NoWait {
		return fmt.Errorf("%w: %s", ErrQueueEmpty, qc.label())
	}
	if !c.isTask() {
		return fmt.Errorf("%w: queue %s", ErrWaitContext, qc.label())
	}
	return k.block(c.t, StateWaiting, &waiter{queue: qc.receivers, object: qc.label(), dst: dst}, timeout)
}

// Clear drops every queued message. Senders blocked on a full queue are
// released with success and their messages are discarded.
func (q *Queue) Clear(ctx context.Context) error {
	k := q.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	qc, err := lookup[*queueCB](k, q.h)
	if err != nil {
		return err
	}
	qc.head, qc.count = 0, 0
	k.wakeAll(qc.senders, nil)
	return nil
}

// Prioritize moves the most urgent receiver, or sender when none, to the
// head of its queue.
func (q *Queue) Prioritize(ctx context.Context) error {
	k := q.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	qc, err := lookup[*queueCB](k, q.h)
	if err != nil {
		return err
	}
	if qc.receivers.len() > 0 {
		qc.receivers.prioritize()
	} else {
		qc.senders.prioritize()
	}
	return nil
}

// Info returns a snapshot of the queue.
func (q *Queue) Info() (QueueInfo, error) {
	k := q.k
	k.mu.Lock()
	defer k.mu.Unlock()
	qc, err := lookup[*queueCB](k, q.h)
	if err != nil {
		return QueueInfo{}, err
	}
	return QueueInfo{
		Name:         qc.name,
		Alias:        qc.alias,
		MessageWords: qc.words,
		Capacity:     qc.capacity,
		Enqueued:     qc.count,
		Available:    qc.capacity - qc.count,
		Receivers:    qc.receivers.len(),
		Senders:      qc.senders.len(),
	}, nil
}

// Delete destroys the queue. Blocked senders and receivers wake with
// ErrDeleted and pool-allocated storage is returned.
func (q *Queue) Delete(ctx context.Context) error {
	k := q.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	qc, err := lookup[*queueCB](k, q.h)
	if err != nil {
		return err
	}
	k.wakeAll(qc.receivers, ErrDeleted)
	k.wakeAll(qc.senders, ErrDeleted)
	if qc.pool != nil {
		qc.pool.alloc.Free(qc.storage)
		k.wakePoolWaiters(qc.pool)
	}
	qc.storage = nil
	k.objects.release(qc.handle)
	k.emit(EventDelete, nil, qc.label(), "queue")
	return nil
}
