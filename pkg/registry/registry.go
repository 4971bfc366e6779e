// Package registry owns every FunctionEntry: lifecycle state, the child
// process handle and the per-function invocation queue. The runtime-API
// emulator routes protocol traffic into these queues by name but never owns
// invocation data itself.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/localfn/localfn/pkg/build"
	"github.com/localfn/localfn/pkg/metadata"
)

// Options are the policy knobs of the registry. Zero values fall back to the
// defaults below.
type Options struct {
	// RuntimeAPIAddr is the host:port the emulator listens on; spawned
	// processes are pointed at RuntimeAPIAddr/<function>.
	RuntimeAPIAddr string
	Target         string
	Profile        string
	StartupTimeout time.Duration
	ShutdownGrace  time.Duration
	RetryBudget    int
	QueueDepth     int
}

const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultShutdownGrace  = 3 * time.Second
	DefaultRetryBudget    = 3
	DefaultQueueDepth     = 128
)

func (o *Options) applyDefaults() {
	if o.StartupTimeout == 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.RetryBudget == 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = DefaultQueueDepth
	}
}

// Registry is the sole mutator of FunctionEntry state and queues. Operations
// on one entry are mutually exclusive; different entries proceed in parallel.
type Registry struct {
	store    metadata.Store
	builder  build.Builder
	launcher Launcher
	opts     Options
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	entries map[string]*FunctionEntry
}

func New(store metadata.Store, builder build.Builder, launcher Launcher, opts Options, logger *slog.Logger) *Registry {
	opts.applyDefaults()
	return &Registry{
		store:    store,
		builder:  builder,
		launcher: launcher,
		opts:     opts,
		logger:   logger,
		entries:  make(map[string]*FunctionEntry),
	}
}

// Resolve returns the entry for name, creating it on first reference from
// discovered source metadata. Fails with metadata.ErrUnknownFunction when the
// name matches no discoverable target.
func (r *Registry) Resolve(name string) (*FunctionEntry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	meta, err := r.store.Lookup(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e, nil
	}
	e = newFunctionEntry(r, meta)
	r.entries[name] = e
	r.logger.Debug("registered function", "function", name, "root", meta.Root)
	return e, nil
}

// EnsureReady drives the function's state machine until a live process has
// made protocol contact: building if unbuilt or stale, spawning, and waiting
// out the startup window.
func (r *Registry) EnsureReady(ctx context.Context, name string) error {
	e, err := r.Resolve(name)
	if err != nil {
		return err
	}
	return e.ensureReady(ctx)
}

// Enqueue appends an invocation to the function's FIFO queue. The caller must
// have driven the entry to readiness first.
func (r *Registry) Enqueue(name string, inv *Invocation) error {
	e, err := r.Resolve(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateReady, StateInvoking:
	default:
		if e.lastErr != nil {
			return e.lastErr
		}
		return &FunctionUnavailableError{Function: name, Crashes: e.crashes, Cause: e.lastErr}
	}

	select {
	case e.pending <- inv:
		return nil
	default:
		return &QueueFullError{Function: name, Depth: cap(e.pending)}
	}
}

// NextInvocation suspends until the router has queued work for the function,
// honoring the rendezvous contract: at most one invocation is outstanding per
// function at any time. The first call from a starting process doubles as its
// readiness signal.
func (r *Registry) NextInvocation(ctx context.Context, name string) (*Invocation, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, metadata.ErrUnknownFunction
	}
	e.markContact()

	e.mu.Lock()
	pending := e.pending
	e.mu.Unlock()

	for {
		select {
		case inv := <-pending:
			if inv.fulfilled.Load() {
				// expired while queued; nothing left to execute
				r.logger.Debug("dropping settled invocation", "function", name, "requestID", inv.ID)
				continue
			}
			e.mu.Lock()
			e.inflight = inv
			if e.state == StateReady {
				e.setStateLocked(StateInvoking)
			}
			e.mu.Unlock()
			return inv, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CompleteInvocation fulfills the outstanding invocation's response slot with
// a success payload. The identifier must match the invocation currently being
// executed or the call fails with UnknownInvocationError.
func (r *Registry) CompleteInvocation(name, requestID string, payload []byte) error {
	e, ok := r.lookup(name)
	if !ok {
		return metadata.ErrUnknownFunction
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight == nil || e.inflight.ID != requestID {
		return &UnknownInvocationError{Function: name, RequestID: requestID}
	}
	inv := e.inflight
	e.inflight = nil
	if !inv.fulfill(Outcome{Payload: payload}) {
		r.logger.Debug("discarding stale response", "function", name, "requestID", requestID)
	}
	if e.state == StateInvoking {
		e.setStateLocked(StateReady)
	}
	return nil
}

// FailInvocation fulfills the outstanding invocation's response slot with a
// function-reported error. A normal path, not an emulator fault.
func (r *Registry) FailInvocation(name, requestID string, ferr *FunctionError) error {
	e, ok := r.lookup(name)
	if !ok {
		return metadata.ErrUnknownFunction
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight == nil || e.inflight.ID != requestID {
		return &UnknownInvocationError{Function: name, RequestID: requestID}
	}
	inv := e.inflight
	e.inflight = nil
	if !inv.fulfill(Outcome{Err: ferr}) {
		r.logger.Debug("discarding stale error", "function", name, "requestID", requestID)
	}
	if e.state == StateInvoking {
		e.setStateLocked(StateReady)
	}
	return nil
}

// ReportInitError transitions the entry to Crashed and immediately fails every
// queued invocation instead of leaving them waiting on a process that will
// never poll.
func (r *Registry) ReportInitError(name string, ferr *FunctionError) error {
	e, ok := r.lookup(name)
	if !ok {
		return metadata.ErrUnknownFunction
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cause := &InitializationError{Function: name, Cause: ferr}
	e.killProcessLocked(e.proc)
	e.crashes++
	e.lastErr = cause
	e.setStateLocked(StateCrashed)
	e.failPendingLocked(cause)
	r.logger.Warn("function reported init error", "function", name, "error", ferr)
	return nil
}

// Invalidate marks the entry stale. An in-flight invocation completes first;
// the rebuild happens when the next invocation arrives.
func (r *Registry) Invalidate(name string) {
	e, ok := r.lookup(name)
	if !ok {
		return
	}
	e.mu.Lock()
	e.stale = true
	e.mu.Unlock()
	r.logger.Info("function invalidated, rebuild on next invoke", "function", name)
}

// InvalidateAll marks every resident entry stale. Used for workspace-level
// changes.
func (r *Registry) InvalidateAll() {
	r.mu.RLock()
	entries := make([]*FunctionEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		e.stale = true
		e.mu.Unlock()
	}
	r.logger.Info("workspace change, all functions invalidated", "count", len(entries))
}

// Shutdown terminates every child process gracefully and fails whatever is
// still queued. The registry is terminal afterwards: in-flight and later
// EnsureReady calls fail with ErrShuttingDown instead of spawning.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*FunctionEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *FunctionEntry) {
			defer wg.Done()
			e.mu.Lock()
			proc := e.proc
			e.proc = nil
			e.stopping = true
			e.failPendingLocked(ErrShuttingDown)
			e.setStateLocked(StateUnbuilt)
			e.mu.Unlock()
			if proc != nil {
				_ = proc.Stop(r.opts.ShutdownGrace)
			}
		}(e)
	}
	wg.Wait()
	r.logger.Info("all function processes stopped")
}

// FunctionStatus is a point-in-time view of one entry for the status surface.
type FunctionStatus struct {
	Name               string `json:"name"`
	State              string `json:"state"`
	Stale              bool   `json:"stale"`
	QueuedInvocations  int    `json:"queuedInvocations"`
	ConsecutiveCrashes int    `json:"consecutiveCrashes"`
	PID                int    `json:"pid,omitempty"`
}

// Snapshot reports the current state of every resident entry.
func (r *Registry) Snapshot() []FunctionStatus {
	r.mu.RLock()
	entries := make([]*FunctionEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	statuses := make([]FunctionStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := FunctionStatus{
			Name:               e.Name,
			State:              e.state.String(),
			Stale:              e.stale,
			QueuedInvocations:  len(e.pending),
			ConsecutiveCrashes: e.crashes,
		}
		if e.proc != nil {
			s.PID = e.proc.PID()
		}
		e.mu.Unlock()
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (r *Registry) shuttingDown() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Registry) lookup(name string) (*FunctionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}
