// internal/kernel/event.go

package kernel

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// EventKind represents the type of scheduler event
type EventKind int

const (
	EventIdle EventKind = iota
	EventCreate
	EventDispatch
	EventPreempt
	EventBlock
	EventWake
	EventTimeout
	EventSuspend
	EventResume
	EventComplete
	EventTerminate
	EventDelete
	EventPriority
	EventTimerExpire
)

// Event is emitted on every scheduling decision and object lifecycle step.
type Event struct {
	Time   time.Time
	Tick   uint64
	Kind   EventKind
	Task   string // task involved, if any
	Object string // object involved, if any
	Detail string
}

// Tracer receives events while the kernel lock is held. It must not call
// back into the kernel.
type Tracer func(Event)

func (ek EventKind) String() string {
	switch ek {
	case EventIdle:
		return "Idle"
	case EventCreate:
		return "Create"
	case EventDispatch:
		return "Dispatch"
	case EventPreempt:
		return "Preempt"
	case EventBlock:
		return "Block"
	case EventWake:
		return "Wake"
	case EventTimeout:
		return "Timeout"
	case EventSuspend:
		return "Suspend"
	case EventResume:
		return "Resume"
	case EventComplete:
		return "Complete"
	case EventTerminate:
		return "Terminate"
	case EventDelete:
		return "Delete"
	case EventPriority:
		return "Priority"
	case EventTimerExpire:
		return "TimerExpire"
	default:
		return "Unknown"
	}
}

// EnableCSVTrace opens the given file path for CSV logging of events.
// Must be called before Start().
func (k *Kernel) EnableCSVTrace(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"timestamp", "tick", "event", "task", "object", "detail"}); err != nil {
		f.Close()
		return err
	}
	w.Flush()

	k.mu.Lock()
	k.csvFile = f
	k.csvWriter = w
	k.mu.Unlock()
	return nil
}

// emit records an event. Called with k.mu held.
func (k *Kernel) emit(kind EventKind, t *tcb, object string, detail string) {
	ev := Event{
		Time:   time.Now(),
		Tick:   k.ticks,
		Kind:   kind,
		Object: object,
		Detail: detail,
	}
	if t != nil {
		ev.Task = t.name
	}

	if ce := k.log.Check(zap.DebugLevel, "kernel event"); ce != nil {
		ce.Write(
			zap.Uint64("tick", ev.Tick),
			zap.Stringer("event", ev.Kind),
			zap.String("task", ev.Task),
			zap.String("object", ev.Object),
			zap.String("detail", ev.Detail),
		)
	}

	if k.tracer != nil {
		k.tracer(ev)
	}

	// CSV output
	if k.csvWriter != nil {
		rec := []string{
			ev.Time.Format(time.RFC3339Nano),
			strconv.FormatUint(ev.Tick, 10),
			ev.Kind.String(),
			ev.Task,
			ev.Object,
			ev.Detail,
		}
		if err := k.csvWriter.Write(rec); err != nil {
			k.log.Warn("csv trace write failed", zap.Error(err))
		}
		k.csvWriter.Flush()
	}
}

func (k *Kernel) closeTrace() {
	if k.csvFile == nil {
		return
	}
	k.csvWriter.Flush()
	if err := k.csvFile.Close(); err != nil {
		k.log.Warn("csv trace close failed", zap.Error(err))
	}
	k.csvFile, k.csvWriter = nil, nil
}

func priorityDetail(from, to int) string {
	return fmt.Sprintf("%d->%d", from, to)
}
