// internal/job/socket.go

package job

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"rtkern/internal/kernel"

	"go.uber.org/zap"
)

const (
	frameWords    = 3 // connection, sequence, payload length
	blockSize     = 32
	flagPostedAll = 1 << 0
)

// SocketConfig sizes the socket-layer workload.
type SocketConfig struct {
	Connections int          // rows in the connection table
	Frames      int          // frames the interrupt side posts in total
	Period      kernel.Ticks // ticks between two posted frames
	QueueDepth  int          // frames the receive queue can hold
}

// DefaultSocketConfig is what the CLI runs without flags.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{Connections: 4, Frames: 32, Period: 1, QueueDepth: 4}
}

// ConnStats is one row of the connection table.
type ConnStats struct {
	Frames int
	Bytes  int
}

// SocketResult summarises a finished run.
type SocketResult struct {
	Posted   int
	Dropped  int
	Received int
	Conns    []ConnStats
}

// Socket models the receive path of a socket layer on the kernel: a timer
// plays the interrupt that posts frames into a message queue, a receiver
// task drains the queue into a mutex-guarded connection table, and a
// reporter task waits on a completion semaphore. Frame payloads travel in
// block-pool buffers.
type Socket struct {
	k   *kernel.Kernel
	cfg SocketConfig
	log *zap.Logger

	frames  *kernel.Queue
	table   *kernel.Mutex
	done    *kernel.Semaphore
	events  *kernel.EventFlags
	buffers *kernel.BlockPool
	timer   *kernel.Timer

	// interrupt side; the timer callback runs outside task context
	mu       sync.Mutex
	next     uint32
	posted   int
	dropped  int
	inflight map[uint32][]byte

	conns    []ConnStats // guarded by table
	received int         // guarded by table

	result   SocketResult
	finished chan struct{}
}

// NewSocket creates every kernel object of the workload. It must be called
// before the kernel starts.
func NewSocket(ctx context.Context, k *kernel.Kernel, cfg SocketConfig, log *zap.Logger) (*Socket, error) {
	if cfg.Connections <= 0 || cfg.Frames <= 0 || cfg.Period == kernel.NoWait || cfg.QueueDepth <= 0 {
		return nil, fmt.Errorf("socket workload: invalid config %+v", cfg)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Socket{
		k:        k,
		cfg:      cfg,
		log:      log.Named("socket"),
		inflight: make(map[uint32][]byte),
		conns:    make([]ConnStats, cfg.Connections),
		finished: make(chan struct{}),
	}

	steps := []struct {
		what string
		fn   func() error
	}{
		{"frame queue", func() (err error) {
			s.frames, err = build(k, kernel.KindQueue, func(a *kernel.Attr) (*kernel.Queue, error) { return k.NewQueue(ctx, a) },
				kernel.Pair{Field: kernel.FieldName, Value: "rx-frames"},
				kernel.Pair{Field: kernel.FieldMessageWords, Value: frameWords},
				kernel.Pair{Field: kernel.FieldCapacity, Value: cfg.QueueDepth})
			return err
		}},
		{"connection table lock", func() (err error) {
			s.table, err = build(k, kernel.KindMutex, func(a *kernel.Attr) (*kernel.Mutex, error) { return k.NewMutex(ctx, a) },
				kernel.Pair{Field: kernel.FieldName, Value: "conn-table"},
				kernel.Pair{Field: kernel.FieldInherit, Value: true})
			return err
		}},
		{"completion semaphore", func() (err error) {
			s.done, err = build(k, kernel.KindSemaphore, func(a *kernel.Attr) (*kernel.Semaphore, error) { return k.NewSemaphore(ctx, a) },
				kernel.Pair{Field: kernel.FieldName, Value: "rx-done"},
				kernel.Pair{Field: kernel.FieldSemKind, Value: kernel.SemBinary})
			return err
		}},
		{"event flags", func() (err error) {
			s.events, err = build(k, kernel.KindEventFlags, func(a *kernel.Attr) (*kernel.EventFlags, error) { return k.NewEventFlags(ctx, a) },
				kernel.Pair{Field: kernel.FieldName, Value: "socket-events"})
			return err
		}},
		{"frame buffers", func() (err error) {
			s.buffers, err = build(k, kernel.KindBlockPool, func(a *kernel.Attr) (*kernel.BlockPool, error) { return k.NewBlockPool(ctx, a) },
				kernel.Pair{Field: kernel.FieldName, Value: "frame-buffers"},
				kernel.Pair{Field: kernel.FieldBlockSize, Value: blockSize},
				kernel.Pair{Field: kernel.FieldBlockCount, Value: cfg.QueueDepth + 2})
			return err
		}},
		{"rx interrupt timer", func() (err error) {
			s.timer, err = build(k, kernel.KindTimer, func(a *kernel.Attr) (*kernel.Timer, error) { return k.NewTimer(ctx, a) },
				kernel.Pair{Field: kernel.FieldName, Value: "rx-irq"},
				kernel.Pair{Field: kernel.FieldCallback, Value: kernel.TimerFunc(s.post)},
				kernel.Pair{Field: kernel.FieldPeriod, Value: cfg.Period},
				kernel.Pair{Field: kernel.FieldPeriodic, Value: true},
				kernel.Pair{Field: kernel.FieldAutoStart, Value: true})
			return err
		}},
		{"receiver task", func() error {
			_, err := build(k, kernel.KindTask, func(a *kernel.Attr) (*kernel.Task, error) { return k.NewTask(ctx, a) },
				kernel.Pair{Field: kernel.FieldName, Value: "rx"},
				kernel.Pair{Field: kernel.FieldPriority, Value: 8},
				kernel.Pair{Field: kernel.FieldEntry, Value: kernel.EntryFunc(s.receive)})
			return err
		}},
		{"reporter task", func() error {
			_, err := build(k, kernel.KindTask, func(a *kernel.Attr) (*kernel.Task, error) { return k.NewTask(ctx, a) },
				kernel.Pair{Field: kernel.FieldName, Value: "reporter"},
				kernel.Pair{Field: kernel.FieldPriority, Value: 12},
				kernel.Pair{Field: kernel.FieldEntry, Value: kernel.EntryFunc(s.report)})
			return err
		}},
		{"keepalive task", func() error {
			_, err := build(k, kernel.KindTask, func(a *kernel.Attr) (*kernel.Task, error) { return k.NewTask(ctx, a) },
				kernel.Pair{Field: kernel.FieldName, Value: "keepalive"},
				kernel.Pair{Field: kernel.FieldPriority, Value: 20},
				kernel.Pair{Field: kernel.FieldEntry, Value: SleepWork(k, cfg.Period*4, cfg.Frames/4+1)})
			return err
		}},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return nil, fmt.Errorf("socket workload: %s: %w", step.what, err)
		}
	}
	return s, nil
}

// build runs the two-phase attribute protocol for one object.
func build[T any](k *kernel.Kernel, kind kernel.Kind, create func(*kernel.Attr) (T, error), pairs ...kernel.Pair) (T, error) {
	var zero T
	a, err := k.CreateAttr(kind)
	if err != nil {
		return zero, err
	}
	if err := a.Apply(pairs...); err != nil {
		_ = k.DelAttr(a)
		return zero, err
	}
	obj, err := create(a)
	if err != nil {
		_ = k.DelAttr(a)
		return zero, err
	}
	return obj, nil
}

// Done is closed once the reporter has published the result.
func (s *Socket) Done() <-chan struct{} { return s.finished }

// Wait blocks until the workload finished or ctx is done.
func (s *Socket) Wait(ctx context.Context) error {
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the summary. It is only meaningful after Done is closed.
func (s *Socket) Result() SocketResult { return s.result }

// post is the interrupt handler: one frame per expiry into a block buffer,
// queued without waiting.
func (s *Socket) post(ctx context.Context, _ any) {
	s.mu.Lock()
	seq := s.next
	s.next++
	s.mu.Unlock()
	if int(seq) >= s.cfg.Frames {
		return
	}
	if int(seq) == s.cfg.Frames-1 {
		defer s.finishPosting(ctx)
	}

	buf, err := s.buffers.Allocate(ctx, kernel.NoWait)
	if err != nil {
		s.drop(seq, err)
		return
	}
	conn := seq % uint32(s.cfg.Connections)
	length := 4 + int(seq)%(len(buf)-4)
	binary.LittleEndian.PutUint32(buf, seq)

	s.mu.Lock()
	s.inflight[seq] = buf[:length]
	s.mu.Unlock()

	if err := s.frames.Send(ctx, []uint32{conn, seq, uint32(length)}, kernel.NoWait); err != nil {
		s.mu.Lock()
		delete(s.inflight, seq)
		s.mu.Unlock()
		if ferr := s.buffers.Free(ctx, buf); ferr != nil {
			s.log.Error("free frame buffer", zap.Error(ferr))
		}
		s.drop(seq, err)
		return
	}
	s.mu.Lock()
	s.posted++
	s.mu.Unlock()
}

func (s *Socket) drop(seq uint32, err error) {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
	s.log.Warn("frame dropped", zap.Uint32("seq", seq), zap.Error(err))
}

func (s *Socket) finishPosting(ctx context.Context) {
	if err := s.timer.Stop(ctx); err != nil {
		s.log.Error("stop rx timer", zap.Error(err))
	}
	if err := s.events.Set(ctx, flagPostedAll, kernel.FlagsSet); err != nil {
		s.log.Error("flag end of input", zap.Error(err))
	}
}

// receive drains the frame queue until the interrupt side is done and the
// queue stays empty for a few periods.
func (s *Socket) receive(ctx context.Context, _ any) {
	msg := make([]uint32, frameWords)
	for {
		err := s.frames.Receive(ctx, msg, s.cfg.Period*4)
		switch {
		case errors.Is(err, kernel.ErrTimeout):
			if _, ferr := s.events.Get(ctx, flagPostedAll, kernel.FlagsAny, kernel.NoWait); ferr == nil {
				if err := s.done.Put(ctx); err != nil {
					s.log.Error("signal completion", zap.Error(err))
				}
				return
			}
			continue
		case err != nil:
			s.log.Error("receive frame", zap.Error(err))
			return
		}
		if err := s.deliver(ctx, msg[0], msg[1], int(msg[2])); err != nil {
			s.log.Error("deliver frame", zap.Uint32("seq", msg[1]), zap.Error(err))
		}
	}
}

func (s *Socket) deliver(ctx context.Context, conn, seq uint32, length int) error {
	s.mu.Lock()
	buf, ok := s.inflight[seq]
	delete(s.inflight, seq)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("frame %d has no buffer", seq)
	}
	defer func() {
		if err := s.buffers.Free(ctx, buf); err != nil {
			s.log.Error("free frame buffer", zap.Error(err))
		}
	}()
	if got := binary.LittleEndian.Uint32(buf); got != seq || len(buf) != length {
		return fmt.Errorf("frame %d corrupt: header %d, %d of %d bytes", seq, got, len(buf), length)
	}

	if err := s.table.Get(ctx, kernel.WaitForever); err != nil {
		return err
	}
	s.conns[conn].Frames++
	s.conns[conn].Bytes += length
	s.received++
	return s.table.Put(ctx)
}

// report waits for the receiver, snapshots the table and publishes it.
func (s *Socket) report(ctx context.Context, _ any) {
	if err := s.done.Get(ctx, kernel.WaitForever); err != nil {
		s.log.Error("wait for completion", zap.Error(err))
		return
	}
	if err := s.table.Get(ctx, kernel.WaitForever); err != nil {
		s.log.Error("lock connection table", zap.Error(err))
		return
	}
	res := SocketResult{
		Received: s.received,
		Conns:    append([]ConnStats(nil), s.conns...),
	}
	if err := s.table.Put(ctx); err != nil {
		s.log.Error("unlock connection table", zap.Error(err))
	}

	s.mu.Lock()
	res.Posted, res.Dropped = s.posted, s.dropped
	s.mu.Unlock()

	s.result = res
	s.log.Info("socket workload finished",
		zap.Int("posted", res.Posted),
		zap.Int("dropped", res.Dropped),
		zap.Int("received", res.Received))
	close(s.finished)
}
