package kernel

import "errors"

// Contract errors: the call itself is wrong and retrying it cannot help.
var (
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCallerContext   = errors.New("operation not allowed from this context")
	ErrWaitContext     = errors.New("blocking wait not allowed from this context")
	ErrNotOwned        = errors.New("mutex not owned by caller")
	ErrTaskState       = errors.New("task state does not allow the operation")
	ErrNotWaiting      = errors.New("task is not in an abortable wait")
	ErrActivate        = errors.New("timer already active")
	ErrTimerRunning    = errors.New("timer must be stopped to change it")
	ErrMessageSize     = errors.New("message size mismatch")
)

// Exhaustion errors: the resource is momentarily unavailable.
var (
	ErrNoMemory     = errors.New("no memory")
	ErrQueueFull    = errors.New("queue full")
	ErrQueueEmpty   = errors.New("queue empty")
	ErrNoInstance   = errors.New("semaphore count is zero")
	ErrCeiling      = errors.New("semaphore ceiling exceeded")
	ErrNotAvailable = errors.New("mutex not available")
	ErrNoEvents     = errors.New("requested event flags not present")
)

// Temporal and lifecycle outcomes of a wait.
var (
	ErrTimeout     = errors.New("wait timed out")
	ErrDeleted     = errors.New("object deleted while waiting")
	ErrWaitAborted = errors.New("wait aborted")
)

// Class groups kernel errors by how a caller should react to them.
type Class int

const (
	ClassNone Class = iota
	ClassContract
	ClassExhaustion
	ClassTemporal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassContract:
		return "contract"
	case ClassExhaustion:
		return "exhaustion"
	case ClassTemporal:
		return "temporal"
	default:
		return "unknown"
	}
}

var classes = []struct {
	class Class
	errs  []error
}{
	{ClassContract, []error{ErrInvalidHandle, ErrInvalidArgument, ErrCallerContext, ErrWaitContext,
		ErrNotOwned, ErrTaskState, ErrNotWaiting, ErrActivate, ErrTimerRunning, ErrMessageSize}},
	{ClassExhaustion, []error{ErrNoMemory, ErrQueueFull, ErrQueueEmpty, ErrNoInstance, ErrCeiling,
		ErrNotAvailable, ErrNoEvents}},
	{ClassTemporal, []error{ErrTimeout, ErrDeleted, ErrWaitAborted}},
}

// ClassOf reports the class of a (possibly wrapped) kernel error.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	for _, c := range classes {
		for _, e := range c.errs {
			if errors.Is(err, e) {
				return c.class
			}
		}
	}
	return ClassNone
}
