package kernel

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestKernel(t *testing.T, opts ...Option) *Kernel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HeapSize = 16 * 1024
	cfg.StackSize = 256
	k, err := New(cfg, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(k.Shutdown)
	return k
}

// taskAttr builds a task builder; the task is created by whoever consumes it.
func taskAttr(t *testing.T, k *Kernel, name string, priority int, entry EntryFunc, extra ...Pair) *Attr {
	t.Helper()
	a, err := k.CreateAttr(KindTask)
	require.NoError(t, err)
	pairs := append([]Pair{
		{Field: FieldName, Value: name},
		{Field: FieldPriority, Value: priority},
		{Field: FieldEntry, Value: entry},
	}, extra...)
	require.NoError(t, a.Apply(pairs...))
	return a
}

func spawn(t *testing.T, k *Kernel, name string, priority int, entry EntryFunc, extra ...Pair) *Task {
	t.Helper()
	task, err := k.NewTask(context.Background(), taskAttr(t, k, name, priority, entry, extra...))
	require.NoError(t, err)
	return task
}

func newObjectAttr(t *testing.T, k *Kernel, kind Kind, pairs ...Pair) *Attr {
	t.Helper()
	a, err := k.CreateAttr(kind)
	require.NoError(t, err)
	require.NoError(t, a.Apply(pairs...))
	return a
}

// settle waits until every task is blocked, suspended or done.
func settle(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.WaitIdle(ctx), "kernel did not go idle")
}

// advance runs n ticks, letting the tasks settle after each one.
func advance(t *testing.T, k *Kernel, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		k.Tick()
		settle(t, k)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestConfigLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(dir, "absent.yml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("values override defaults", func(t *testing.T) {
		path := filepath.Join(dir, "config.yml")
		require.NoError(t, os.WriteFile(path, []byte("tick_ms: 5\ntime_slice: 4\nmax_priority: 63\nheap_size: 4096\n"), 0o644))
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.TickMS)
		assert.Equal(t, 4, cfg.TimeSlice)
		assert.Equal(t, 63, cfg.MaxPriority)
		assert.Equal(t, 16, cfg.DefaultPriority)
		assert.Equal(t, 4096, cfg.HeapSize)
	})

	t.Run("out of range values are clamped", func(t *testing.T) {
		path := filepath.Join(dir, "clamp.yml")
		require.NoError(t, os.WriteFile(path, []byte("tick_ms: -1\nmax_priority: 7\ndefault_priority: 20\n"), 0o644))
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.TickMS)
		assert.Equal(t, 7, cfg.MaxPriority)
		assert.Equal(t, 3, cfg.DefaultPriority)
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yml")
		require.NoError(t, os.WriteFile(path, []byte("tick_ms: [1, 2\n"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestClassOf(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{nil, ClassNone},
		{os.ErrNotExist, ClassNone},
		{ErrInvalidHandle, ClassContract},
		{ErrMessageSize, ClassContract},
		{ErrQueueFull, ClassExhaustion},
		{ErrCeiling, ClassExhaustion},
		{ErrTimeout, ClassTemporal},
		{ErrDeleted, ClassTemporal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassOf(tc.err), "%v", tc.err)
	}

	wrapped := newTestKernel(t)
	_, err := wrapped.Heap().Allocate(context.Background(), 1<<20, NoWait)
	assert.Equal(t, ClassContract, ClassOf(err))
}

func TestAttrBuilder(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	before, err := k.Heap().Info()
	require.NoError(t, err)

	a, err := k.CreateAttr(KindSemaphore)
	require.NoError(t, err)
	charged, err := k.Heap().Info()
	require.NoError(t, err)
	assert.Less(t, charged.Available, before.Available, "a live builder is charged to the heap")

	assert.ErrorIs(t, a.Set(FieldEntry, func(context.Context, any) {}), ErrInvalidArgument)
	assert.ErrorIs(t, a.Set(FieldInitialCount, "three"), ErrInvalidArgument)
	require.NoError(t, a.Apply(
		Pair{Field: FieldName, Value: "sem"},
		Pair{Field: FieldSemKind, Value: SemCounting},
		Pair{Field: FieldMaxCount, Value: 4},
	))
	assert.ErrorIs(t, a.Set(FieldName, "again"), ErrInvalidArgument)
	assert.Equal(t, []Pair{
		{Field: FieldName, Value: "sem"},
		{Field: FieldSemKind, Value: SemCounting},
		{Field: FieldMaxCount, Value: uint32(4)},
	}, a.Pairs())

	// a builder of the wrong kind is rejected and stays usable
	_, err = k.NewMutex(ctx, a)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	sem, err := k.NewSemaphore(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "sem", sem.Name())

	assert.ErrorIs(t, a.Set(FieldInitialCount, 1), ErrInvalidHandle)
	assert.ErrorIs(t, k.DelAttr(a), ErrInvalidHandle)
	_, err = k.NewSemaphore(ctx, a)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	after, err := k.Heap().Info()
	require.NoError(t, err)
	assert.Equal(t, before.Available, after.Available, "a consumed builder gives its charge back")

	b, err := k.CreateAttr(KindMutex)
	require.NoError(t, err)
	require.NoError(t, k.DelAttr(b))
	after, err = k.Heap().Info()
	require.NoError(t, err)
	assert.Equal(t, before.Available, after.Available)

	_, err = k.CreateAttr(Kind(99))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStaleHandle(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	m1, err := k.NewMutex(ctx, newObjectAttr(t, k, KindMutex, Pair{Field: FieldName, Value: "first"}))
	require.NoError(t, err)
	require.NoError(t, m1.Delete(ctx))

	_, err = m1.Info()
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, m1.Delete(ctx), ErrInvalidHandle)

	m2, err := k.NewMutex(ctx, newObjectAttr(t, k, KindMutex, Pair{Field: FieldName, Value: "second"}))
	require.NoError(t, err)
	assert.Equal(t, m1.Handle().Index, m2.Handle().Index, "slot is reused")
	assert.NotEqual(t, m1.Handle(), m2.Handle())
	assert.ErrorIs(t, m1.Get(ctx, NoWait), ErrInvalidHandle)

	// a handle of one kind does not resolve as another
	sem := &Semaphore{k: k, h: m2.Handle()}
	_, err = sem.Info()
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.True(t, Handle{}.IsZero())
}

func TestTracerAndCSV(t *testing.T) {
	var mu sync.Mutex
	var kinds []EventKind
	k := newTestKernel(t, WithTracer(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}))
	path := filepath.Join(t.TempDir(), "trace.csv")
	require.NoError(t, k.EnableCSVTrace(path))

	spawn(t, k, "worker", 10, func(ctx context.Context, _ any) {})
	k.Start()
	settle(t, k)
	k.Shutdown()

	mu.Lock()
	assert.Contains(t, kinds, EventCreate)
	assert.Contains(t, kinds, EventDispatch)
	assert.Contains(t, kinds, EventComplete)
	mu.Unlock()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, []string{"timestamp", "tick", "event", "task", "object", "detail"}, rows[0])

	var sawDispatch bool
	for _, row := range rows[1:] {
		if row[2] == "Dispatch" && row[3] == "worker" {
			sawDispatch = true
		}
	}
	assert.True(t, sawDispatch)
}

func TestRunDrivesTicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickMS = 1
	cfg.HeapSize = 8 * 1024
	cfg.StackSize = 256
	k, err := New(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(k.Shutdown)

	done := make(chan struct{})
	spawn(t, k, "sleeper", 10, func(ctx context.Context, _ any) {
		if err := k.Sleep(ctx, 3); err == nil {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- k.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sleeper never woke")
	}
	cancel()
	require.NoError(t, <-errc)
	assert.GreaterOrEqual(t, k.Ticks(), uint64(3))
}

func TestTickClockCountsOverruns(t *testing.T) {
	c := NewTickClock(1)
	c.Start(time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop()

	delivered := 0
	for range c.Ch {
		delivered++
	}
	assert.Equal(t, 1, delivered, "the buffer holds one tick")
	assert.Positive(t, c.Overruns())
}
