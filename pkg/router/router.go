// Package router accepts invoke requests and routes them to function
// instances through the registry's per-function queues. Requests for the same
// function are served strictly FIFO; different functions never head-of-line
// block one another.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/localfn/localfn/pkg/registry"
)

type Router struct {
	reg            *registry.Registry
	defaultTimeout time.Duration
	logger         *slog.Logger
}

func New(reg *registry.Registry, defaultTimeout time.Duration, logger *slog.Logger) *Router {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Router{reg: reg, defaultTimeout: defaultTimeout, logger: logger}
}

// Submit drives one invocation to a terminal outcome: the function's response
// payload, a function-reported error, or a tooling error. The deadline covers
// the whole submission including build and startup; when it passes before the
// process responds the slot is fulfilled with a Timeout error locally and the
// process is left running. A caller that disconnects early orphans the
// outcome without aborting the function's execution.
func (r *Router) Submit(ctx context.Context, name string, payload []byte, timeout time.Duration) registry.Outcome {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	deadline := time.Now().Add(timeout)

	readyCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := r.reg.EnsureReady(readyCtx, name); err != nil {
		r.logger.Debug("submission failed before enqueue", "function", name, "error", err)
		return registry.Outcome{Err: err}
	}

	inv := registry.NewInvocation(name, payload, deadline)
	if err := r.reg.Enqueue(name, inv); err != nil {
		return registry.Outcome{Err: err}
	}
	r.logger.Debug("invocation queued", "function", name, "requestID", inv.ID)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case out := <-inv.Done():
		return out
	case <-timer.C:
		if inv.Expire() {
			r.logger.Warn("invocation timed out, process left running",
				"function", name, "requestID", inv.ID)
			return registry.Outcome{Err: &registry.TimeoutError{Function: name, Deadline: deadline}}
		}
		// a response landed while the timer fired
		return <-inv.Done()
	case <-ctx.Done():
		// the invocation stays queued; delivery to the function is still
		// at-most-once, only the caller's future is discarded
		r.logger.Debug("caller disconnected before outcome", "function", name, "requestID", inv.ID)
		return registry.Outcome{Err: ctx.Err()}
	}
}
