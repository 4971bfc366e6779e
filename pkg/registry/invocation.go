package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal result of an invocation: a success payload or an
// error. Function-reported failures carry a *FunctionError.
type Outcome struct {
	Payload []byte
	Err     error
}

// Invocation is one unit of work routed to a function instance. Its response
// slot is fulfilled exactly once; late writers lose and are discarded.
type Invocation struct {
	ID         string
	Function   string
	Payload    []byte
	EnqueuedAt time.Time
	Deadline   time.Time

	once      sync.Once
	fulfilled atomic.Bool
	done      chan Outcome
}

func NewInvocation(function string, payload []byte, deadline time.Time) *Invocation {
	return &Invocation{
		ID:         uuid.NewString(),
		Function:   function,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		Deadline:   deadline,
		done:       make(chan Outcome, 1),
	}
}

// Done delivers the outcome to the submitting caller.
func (i *Invocation) Done() <-chan Outcome {
	return i.done
}

// Expire fulfills the slot with a TimeoutError. Reports whether this call won
// the slot; false means a response already landed.
func (i *Invocation) Expire() bool {
	return i.fulfill(Outcome{Err: &TimeoutError{Function: i.Function, Deadline: i.Deadline}})
}

func (i *Invocation) fulfill(o Outcome) bool {
	won := false
	i.once.Do(func() {
		i.fulfilled.Store(true)
		i.done <- o
		won = true
	})
	return won
}
