// Package runtimeapi exposes the control-plane protocol that spawned function
// processes poll for work, plus the invoke and status endpoints consumed by
// the command surface. The server holds no invocation storage of its own; it
// is a thin addressable front-door onto the registry's per-function queues.
package runtimeapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	cpu "github.com/shirou/gopsutil/v4/cpu"
	mem "github.com/shirou/gopsutil/v4/mem"

	"github.com/localfn/localfn/pkg/build"
	"github.com/localfn/localfn/pkg/metadata"
	"github.com/localfn/localfn/pkg/registry"
	"github.com/localfn/localfn/pkg/router"
)

const apiVersion = "2018-06-01"

type Server struct {
	addr   string
	reg    *registry.Registry
	router *router.Router
	logger *slog.Logger
}

func NewServer(addr string, reg *registry.Registry, rt *router.Router, logger *slog.Logger) *Server {
	return &Server{addr: addr, reg: reg, router: rt, logger: logger}
}

// Handler builds the HTTP routing table. Split out so tests can drive the
// server through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// invoke entry point, consumed by the CLI and ad-hoc HTTP clients
	r.Post("/2015-03-31/functions/{function}/invocations", s.invoke)

	// tool status surface
	r.Get("/localfn/status", s.status)

	// control-plane contract polled by spawned function processes
	r.Route("/{function}/"+apiVersion+"/runtime", func(r chi.Router) {
		r.Get("/invocation/next", s.nextInvocation)
		r.Post("/invocation/{requestID}/response", s.postResponse)
		r.Post("/invocation/{requestID}/error", s.postError)
		r.Post("/init/error", s.postInitError)
	})

	return r
}

// Run serves until ctx is cancelled, then drains with a short shutdown grace.
// Failure to bind the listening endpoint is tool-fatal and returned.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("runtime API listening", "address", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}

// nextInvocation is the long poll: it suspends until the router has queued an
// invocation for the function, without blocking other functions' traffic.
func (s *Server) nextInvocation(w http.ResponseWriter, r *http.Request) {
	function := chi.URLParam(r, "function")

	inv, err := s.reg.NextInvocation(r.Context(), function)
	if err != nil {
		if errors.Is(err, metadata.ErrUnknownFunction) {
			s.writeError(w, http.StatusNotFound, "Function.Unknown", err.Error())
			return
		}
		// poller went away; nothing to answer
		s.logger.Debug("next-invocation poll ended", "function", function, "error", err)
		return
	}

	w.Header().Set("Lambda-Runtime-Aws-Request-Id", inv.ID)
	w.Header().Set("Lambda-Runtime-Deadline-Ms", strconv.FormatInt(inv.Deadline.UnixMilli(), 10))
	w.Header().Set("Lambda-Runtime-Invoked-Function-Arn", "arn:aws:lambda:local:000000000000:function:"+function)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(inv.Payload)
}

func (s *Server) postResponse(w http.ResponseWriter, r *http.Request) {
	function := chi.URLParam(r, "function")
	requestID := chi.URLParam(r, "requestID")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	if err := s.reg.CompleteInvocation(function, requestID, payload); err != nil {
		s.handleSubmitError(w, function, requestID, err)
		return
	}
	s.writeAccepted(w)
}

func (s *Server) postError(w http.ResponseWriter, r *http.Request) {
	function := chi.URLParam(r, "function")
	requestID := chi.URLParam(r, "requestID")

	ferr := decodeFunctionError(r)
	if err := s.reg.FailInvocation(function, requestID, ferr); err != nil {
		s.handleSubmitError(w, function, requestID, err)
		return
	}
	s.writeAccepted(w)
}

func (s *Server) postInitError(w http.ResponseWriter, r *http.Request) {
	function := chi.URLParam(r, "function")

	ferr := decodeFunctionError(r)
	if err := s.reg.ReportInitError(function, ferr); err != nil {
		s.writeError(w, http.StatusNotFound, "Function.Unknown", err.Error())
		return
	}
	s.writeAccepted(w)
}

// handleSubmitError maps registry failures on the response/error path. An
// unknown correlation identifier is protocol misuse by a stale or duplicate
// process: logged, answered with 400, and no queue is mutated.
func (s *Server) handleSubmitError(w http.ResponseWriter, function, requestID string, err error) {
	var unknownInv *registry.UnknownInvocationError
	switch {
	case errors.As(err, &unknownInv):
		s.logger.Warn("rejecting unknown invocation id", "function", function, "requestID", requestID)
		s.writeError(w, http.StatusBadRequest, "InvalidRequestID", err.Error())
	case errors.Is(err, metadata.ErrUnknownFunction):
		s.writeError(w, http.StatusNotFound, "Function.Unknown", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

// invoke accepts {payload, optional timeout} for a named function and blocks
// until the router delivers a terminal outcome.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	function := chi.URLParam(r, "function")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	var timeout time.Duration
	if raw := r.Header.Get("X-Localfn-Timeout"); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "InvalidRequest", "bad X-Localfn-Timeout: "+err.Error())
			return
		}
	}

	out := s.router.Submit(r.Context(), function, payload, timeout)
	if out.Err == nil {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.Payload)
		return
	}

	var (
		ferr        *registry.FunctionError
		compileErr  *build.CompileError
		timeoutErr  *registry.TimeoutError
		unavailable *registry.FunctionUnavailableError
		initErr     *registry.InitializationError
		startupErr  *registry.StartupTimeoutError
	)
	switch {
	case errors.As(out.Err, &ferr):
		// function-reported failure: mirrored back like the production
		// control plane does, success status plus the error marker header
		w.Header().Set("X-Amz-Function-Error", "Unhandled")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(ferr)
	case errors.Is(out.Err, metadata.ErrUnknownFunction):
		s.writeError(w, http.StatusNotFound, "Function.Unknown", out.Err.Error())
	case errors.As(out.Err, &compileErr):
		s.writeError(w, http.StatusInternalServerError, "Function.CompileError", compileErr.Diagnostics)
	case errors.As(out.Err, &timeoutErr):
		s.writeError(w, http.StatusGatewayTimeout, "Function.Timeout", out.Err.Error())
	case errors.As(out.Err, &unavailable):
		s.writeError(w, http.StatusServiceUnavailable, "Function.Unavailable", out.Err.Error())
	case errors.As(out.Err, &initErr):
		s.writeError(w, http.StatusServiceUnavailable, "Function.InitializationError", out.Err.Error())
	case errors.As(out.Err, &startupErr):
		s.writeError(w, http.StatusServiceUnavailable, "Function.StartupTimeout", out.Err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "InternalError", out.Err.Error())
	}
}

type statusResponse struct {
	Functions      []registry.FunctionStatus `json:"functions"`
	CPUPercent     []float64                 `json:"cpuPercentPerCPU"`
	UsedRAMPercent float64                   `json:"usedRamPercent"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Functions: s.reg.Snapshot()}

	if percpu, err := cpu.Percent(10*time.Millisecond, true); err == nil {
		resp.CPUPercent = percpu
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.UsedRAMPercent = vm.UsedPercent
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"OK"}`))
}

func (s *Server) writeError(w http.ResponseWriter, code int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(&registry.FunctionError{Type: errorType, Message: message})
}

// decodeFunctionError parses the error document posted by a function process.
// Malformed documents degrade to an opaque error instead of being rejected;
// payloads are not schema-checked by the emulator.
func decodeFunctionError(r *http.Request) *registry.FunctionError {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		return &registry.FunctionError{Type: "Function.Unknown", Message: "no error document provided"}
	}
	var ferr registry.FunctionError
	if err := json.Unmarshal(body, &ferr); err != nil || ferr.Type == "" && ferr.Message == "" {
		return &registry.FunctionError{Type: "Function.Unknown", Message: string(body)}
	}
	return &ferr
}
