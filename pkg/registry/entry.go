package registry

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/localfn/localfn/pkg/build"
	"github.com/localfn/localfn/pkg/metadata"
)

// State is the lifecycle position of a FunctionEntry.
type State int

const (
	StateUnbuilt State = iota
	StateBuilding
	StateStarting
	StateReady
	StateInvoking
	StateCrashed
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateBuilding:
		return "building"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateInvoking:
		return "invoking"
	case StateCrashed:
		return "crashed"
	case StateRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}

// FunctionEntry tracks one function: its source metadata, last build, owned
// child process and pending invocation queue. All mutation happens under mu;
// entries for different functions proceed fully in parallel.
type FunctionEntry struct {
	Name string

	reg  *Registry
	meta metadata.FunctionData

	mu          sync.Mutex
	state       State
	stale       bool
	fingerprint string
	artifact    string
	proc        Process
	stopping    bool
	pending     chan *Invocation
	inflight    *Invocation
	crashes     int
	lastErr     error
	changed     chan struct{}
}

func newFunctionEntry(reg *Registry, meta metadata.FunctionData) *FunctionEntry {
	return &FunctionEntry{
		Name:    meta.Name,
		reg:     reg,
		meta:    meta,
		pending: make(chan *Invocation, reg.opts.QueueDepth),
		changed: make(chan struct{}),
	}
}

// setStateLocked transitions the entry and wakes everything waiting for a
// change.
func (e *FunctionEntry) setStateLocked(s State) {
	if e.state != s {
		e.reg.logger.Debug("function state change", "function", e.Name, "from", e.state, "to", s)
	}
	e.state = s
	e.signalLocked()
}

func (e *FunctionEntry) signalLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// waitChangeLocked releases the entry lock until the next state change, then
// reacquires it. Returns the context error if the caller gave up first.
func (e *FunctionEntry) waitChangeLocked(ctx context.Context) error {
	ch := e.changed
	e.mu.Unlock()
	select {
	case <-ch:
		e.mu.Lock()
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		return ctx.Err()
	}
}

// ensureReady drives the state machine until the entry has a live, contacted
// process, or fails with the blocking error.
func (e *FunctionEntry) ensureReady(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.reg.shuttingDown() {
			return ErrShuttingDown
		}

		switch e.state {
		case StateReady:
			if !e.stale {
				return nil
			}
			if e.sourceUnchangedLocked() {
				// debounced event that left the tree untouched
				e.stale = false
				return nil
			}
			e.teardownLocked()

		case StateInvoking:
			if !e.stale {
				return nil
			}
			// the in-flight invocation finishes before the process goes away
			if err := e.waitChangeLocked(ctx); err != nil {
				return err
			}

		case StateUnbuilt:
			if err := e.buildLocked(ctx); err != nil {
				return err
			}
			// shutdown may have landed while the build ran unlocked
			if e.reg.shuttingDown() {
				return ErrShuttingDown
			}
			if err := e.startLocked(ctx); err != nil {
				return err
			}

		case StateCrashed:
			if e.stale {
				e.stale = false
				if !e.sourceUnchangedLocked() {
					// edited source gets a rebuild and a fresh crash budget
					e.crashes = 0
					e.setStateLocked(StateUnbuilt)
					continue
				}
			}
			if e.crashes >= e.reg.opts.RetryBudget {
				return &FunctionUnavailableError{Function: e.Name, Crashes: e.crashes, Cause: e.lastErr}
			}
			if e.artifact == "" {
				e.setStateLocked(StateUnbuilt)
				continue
			}
			// one automatic respawn per fresh invocation attempt
			if err := e.startLocked(ctx); err != nil {
				return err
			}

		case StateBuilding, StateStarting, StateRebuilding:
			// another invocation is driving the transition
			if err := e.waitChangeLocked(ctx); err != nil {
				return err
			}
		}
	}
}

// buildLocked runs the build orchestrator without holding the entry lock and
// records the artifact and source fingerprint on success.
func (e *FunctionEntry) buildLocked(ctx context.Context) error {
	e.stale = false
	e.setStateLocked(StateBuilding)

	name, root := e.Name, e.meta.Root
	e.mu.Unlock()
	fingerprint, fpErr := build.Fingerprint(root)
	artifact, err := e.reg.builder.Build(ctx, name, root, e.reg.opts.Target, e.reg.opts.Profile)
	e.mu.Lock()

	if err != nil {
		// no automatic retry: the next invocation attempt builds from scratch
		e.setStateLocked(StateUnbuilt)
		return err
	}
	e.artifact = artifact
	if fpErr == nil {
		e.fingerprint = fingerprint
	}
	return nil
}

// startLocked spawns the process and waits for its first protocol contact, a
// startup timeout, or an early exit.
func (e *FunctionEntry) startLocked(ctx context.Context) error {
	e.setStateLocked(StateStarting)
	spec := LaunchSpec{
		Function: e.Name,
		Artifact: e.artifact,
		Dir:      e.meta.Root,
		Env:      e.environ(),
	}

	e.mu.Unlock()
	proc, err := e.reg.launcher.Launch(ctx, spec)
	e.mu.Lock()

	if err != nil {
		e.crashes++
		e.lastErr = err
		e.setStateLocked(StateCrashed)
		return err
	}
	if e.state != StateStarting {
		// an init error landed while we were launching
		e.stopping = true
		grace := e.reg.opts.ShutdownGrace
		go func() { _ = proc.Stop(grace) }()
		return e.lastErr
	}
	e.proc = proc
	e.stopping = false
	go e.monitor(proc)

	timer := time.NewTimer(e.reg.opts.StartupTimeout)
	defer timer.Stop()

	for e.state == StateStarting {
		ch := e.changed
		e.mu.Unlock()
		select {
		case <-ch:
			e.mu.Lock()
		case <-timer.C:
			e.mu.Lock()
			if e.state != StateStarting {
				continue
			}
			cause := &StartupTimeoutError{Function: e.Name, Timeout: e.reg.opts.StartupTimeout}
			e.killProcessLocked(proc)
			e.crashes++
			e.lastErr = cause
			e.setStateLocked(StateCrashed)
			e.failPendingLocked(cause)
			return cause
		case <-ctx.Done():
			e.mu.Lock()
			return ctx.Err()
		}
	}

	if e.state == StateReady || e.state == StateInvoking {
		return nil
	}
	// crashed before contact: init error or early exit
	return e.lastErr
}

// markContact records the first protocol contact from the spawned process.
func (e *FunctionEntry) markContact() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStarting {
		e.crashes = 0
		e.setStateLocked(StateReady)
	}
}

// monitor watches the owned process and records unexpected exits. Deliberate
// stops flip the stopping flag first and are ignored here.
func (e *FunctionEntry) monitor(proc Process) {
	err := <-proc.Done()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != proc || e.stopping {
		return
	}
	e.proc = nil
	cause := &ProcessExitError{Function: e.Name, Err: err}
	e.crashes++
	e.lastErr = cause
	e.setStateLocked(StateCrashed)
	e.failPendingLocked(cause)
	e.reg.logger.Warn("function process exited unexpectedly",
		"function", e.Name, "error", err, "consecutiveCrashes", e.crashes)
}

// teardownLocked gracefully stops the owned process and returns the entry to
// Unbuilt so the next invocation rebuilds it.
func (e *FunctionEntry) teardownLocked() {
	e.setStateLocked(StateRebuilding)
	proc := e.proc
	e.proc = nil
	e.stopping = true

	if proc != nil {
		e.mu.Unlock()
		_ = proc.Stop(e.reg.opts.ShutdownGrace)
		e.mu.Lock()
	}
	e.artifact = ""
	e.stale = false
	e.setStateLocked(StateUnbuilt)
}

// killProcessLocked detaches and stops the process without waiting in-line.
func (e *FunctionEntry) killProcessLocked(proc Process) {
	if proc == nil || e.proc != proc {
		return
	}
	e.proc = nil
	e.stopping = true
	grace := e.reg.opts.ShutdownGrace
	go func() { _ = proc.Stop(grace) }()
}

// failPendingLocked fulfills the in-flight invocation and everything queued
// with cause. Used on crashes, init errors and shutdown so no caller is left
// waiting on a dead function.
func (e *FunctionEntry) failPendingLocked(cause error) {
	if e.inflight != nil {
		e.inflight.fulfill(Outcome{Err: cause})
		e.inflight = nil
	}
	for {
		select {
		case inv := <-e.pending:
			inv.fulfill(Outcome{Err: cause})
		default:
			return
		}
	}
}

// sourceUnchangedLocked reports whether the source tree still matches the
// fingerprint of the last successful build.
func (e *FunctionEntry) sourceUnchangedLocked() bool {
	if e.fingerprint == "" {
		return false
	}
	fingerprint, err := build.Fingerprint(e.meta.Root)
	if err != nil {
		return false
	}
	return fingerprint == e.fingerprint
}

// environ merges the tool environment with the function's configured variables
// and the control-plane contact point.
func (e *FunctionEntry) environ() []string {
	env := os.Environ()
	for k, v := range e.meta.Env {
		env = append(env, k+"="+v)
	}
	return append(env,
		"AWS_LAMBDA_RUNTIME_API="+e.reg.opts.RuntimeAPIAddr+"/"+e.Name,
		"AWS_LAMBDA_FUNCTION_NAME="+e.Name,
		"AWS_LAMBDA_FUNCTION_VERSION=1",
		"AWS_LAMBDA_FUNCTION_MEMORY_SIZE=4096",
	)
}
