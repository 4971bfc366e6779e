package runtimeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfn/localfn/pkg/build"
	"github.com/localfn/localfn/pkg/funcruntime"
	"github.com/localfn/localfn/pkg/metadata"
	"github.com/localfn/localfn/pkg/registry"
	"github.com/localfn/localfn/pkg/router"
)

type fakeProc struct {
	done     chan error
	stopped  chan struct{}
	exitOnce sync.Once
	stopOnce sync.Once
}

func (p *fakeProc) PID() int           { return 2024 }
func (p *fakeProc) Done() <-chan error { return p.done }

func (p *fakeProc) exit(err error) {
	p.exitOnce.Do(func() {
		p.done <- err
		close(p.done)
	})
}

func (p *fakeProc) Stop(time.Duration) error {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.exit(nil)
	return nil
}

// sdkLauncher stands in for process spawning: each launch runs a funcruntime
// client against the test server, speaking the real protocol over HTTP.
type sdkLauncher struct {
	mu       sync.Mutex
	base     string
	handlers map[string]funcruntime.Handler
	initErrs map[string]error
	launches map[string]int
}

func (l *sdkLauncher) handle(name string, h funcruntime.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = h
}

func (l *sdkLauncher) failInit(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initErrs[name] = err
}

func (l *sdkLauncher) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[name]
}

func (l *sdkLauncher) Launch(_ context.Context, spec registry.LaunchSpec) (registry.Process, error) {
	l.mu.Lock()
	base := l.base
	h := l.handlers[spec.Function]
	initErr := l.initErrs[spec.Function]
	l.launches[spec.Function]++
	l.mu.Unlock()

	p := &fakeProc{done: make(chan error, 1), stopped: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-p.stopped
		cancel()
	}()

	client := funcruntime.NewWithAddress(base + "/" + spec.Function)
	go func() {
		defer p.exit(nil)
		if initErr != nil {
			_ = client.ReportInitError(ctx, initErr)
			return
		}
		_ = client.Run(ctx, h)
	}()
	return p, nil
}

type serverEnv struct {
	ts       *httptest.Server
	reg      *registry.Registry
	launcher *sdkLauncher
	builder  *build.MockBuilder
	store    *metadata.MockStore
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	store := metadata.NewMockStore()
	builder := build.NewMockBuilder()
	launcher := &sdkLauncher{
		handlers: make(map[string]funcruntime.Handler),
		initErrs: make(map[string]error),
		launches: make(map[string]int),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(store, builder, launcher, registry.Options{
		RuntimeAPIAddr: "127.0.0.1:0",
		StartupTimeout: 2 * time.Second,
		ShutdownGrace:  100 * time.Millisecond,
	}, logger)

	rt := router.New(reg, 5*time.Second, logger)
	srv := NewServer("127.0.0.1:0", reg, rt, logger)
	ts := httptest.NewServer(srv.Handler())

	launcher.mu.Lock()
	launcher.base = ts.URL
	launcher.mu.Unlock()

	t.Cleanup(func() {
		reg.Shutdown()
		ts.Close()
	})
	return &serverEnv{ts: ts, reg: reg, launcher: launcher, builder: builder, store: store}
}

func (env *serverEnv) addFunction(t *testing.T, name string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	env.store.Put(metadata.FunctionData{Name: name, Root: root})
}

func (env *serverEnv) invoke(t *testing.T, name string, payload []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost,
		env.ts.URL+"/2015-03-31/functions/"+name+"/invocations", bytes.NewReader(payload))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func TestInvokeRoundTrip(t *testing.T) {
	env := newServerEnv(t)
	env.addFunction(t, "order-processor")
	env.launcher.handle("order-processor", func(_ context.Context, payload []byte) ([]byte, error) {
		assert.JSONEq(t, `{"id":1}`, string(payload))
		return []byte(`{"status":"ok"}`), nil
	})

	resp := env.invoke(t, "order-processor", []byte(`{"id":1}`), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Amz-Function-Error"))
	assert.JSONEq(t, `{"status":"ok"}`, string(readBody(t, resp)))

	assert.Equal(t, 1, env.builder.Builds("order-processor"))
	assert.Equal(t, 1, env.launcher.count("order-processor"))
}

func TestInvokeReusesWarmProcess(t *testing.T) {
	env := newServerEnv(t)
	env.addFunction(t, "counter")
	var calls int
	var mu sync.Mutex
	env.launcher.handle("counter", func(_ context.Context, _ []byte) ([]byte, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		return json.Marshal(map[string]int{"call": n})
	})

	for want := 1; want <= 3; want++ {
		resp := env.invoke(t, "counter", []byte(`{}`), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]int
		require.NoError(t, json.Unmarshal(readBody(t, resp), &body))
		assert.Equal(t, want, body["call"])
	}
	assert.Equal(t, 1, env.builder.Builds("counter"))
	assert.Equal(t, 1, env.launcher.count("counter"))
}

func TestInvokeFunctionError(t *testing.T) {
	env := newServerEnv(t)
	env.addFunction(t, "grumpy")
	env.launcher.handle("grumpy", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("payload rejected")
	})

	resp := env.invoke(t, "grumpy", []byte(`{}`), nil)
	// function-reported errors mirror the production control plane: success
	// status plus the error marker header
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Unhandled", resp.Header.Get("X-Amz-Function-Error"))

	var ferr registry.FunctionError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &ferr))
	assert.Equal(t, "payload rejected", ferr.Message)
}

func TestInvokeInitError(t *testing.T) {
	env := newServerEnv(t)
	env.addFunction(t, "broken")
	env.launcher.failInit("broken", errors.New("missing credential"))

	resp := env.invoke(t, "broken", []byte(`{}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var ferr registry.FunctionError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &ferr))
	assert.Equal(t, "Function.InitializationError", ferr.Type)
	assert.Contains(t, ferr.Message, "missing credential")
}

func TestInvokeUnknownFunction(t *testing.T) {
	env := newServerEnv(t)

	resp := env.invoke(t, "ghost", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var ferr registry.FunctionError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &ferr))
	assert.Equal(t, "Function.Unknown", ferr.Type)
}

func TestInvokeTimeout(t *testing.T) {
	env := newServerEnv(t)
	env.addFunction(t, "sleepy")
	env.launcher.handle("sleepy", func(ctx context.Context, payload []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return payload, nil
	})

	resp := env.invoke(t, "sleepy", []byte(`{}`), map[string]string{"X-Localfn-Timeout": "100ms"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	var ferr registry.FunctionError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &ferr))
	assert.Equal(t, "Function.Timeout", ferr.Type)
}

func TestInvokeBadTimeoutHeader(t *testing.T) {
	env := newServerEnv(t)

	resp := env.invoke(t, "whatever", []byte(`{}`), map[string]string{"X-Localfn-Timeout": "soon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	readBody(t, resp)
}

func TestInvokeCompileError(t *testing.T) {
	env := newServerEnv(t)
	env.addFunction(t, "badcode")
	env.builder.FailWith("badcode", &build.CompileError{
		Function:    "badcode",
		Diagnostics: "undefined: frobnicate",
		ExitCode:    1,
	})

	resp := env.invoke(t, "badcode", []byte(`{}`), nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var ferr registry.FunctionError
	require.NoError(t, json.Unmarshal(readBody(t, resp), &ferr))
	assert.Equal(t, "Function.CompileError", ferr.Type)
	assert.Contains(t, ferr.Message, "frobnicate")
}

func TestPostResponseUnknownRequestID(t *testing.T) {
	env := newServerEnv(t)
	env.addFunction(t, "strict")
	env.launcher.handle("strict", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	// warm the function so the entry exists and nothing is in flight
	resp := env.invoke(t, "strict", []byte(`{}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	post, err := env.ts.Client().Post(
		env.ts.URL+"/strict/2018-06-01/runtime/invocation/bogus-id/response",
		"application/octet-stream", strings.NewReader("stolen"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, post.StatusCode)

	var ferr registry.FunctionError
	require.NoError(t, json.Unmarshal(readBody(t, post), &ferr))
	assert.Equal(t, "InvalidRequestID", ferr.Type)

	// the rejection did not disturb the function
	resp = env.invoke(t, "strict", []byte(`{"still":"fine"}`), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"still":"fine"}`, string(readBody(t, resp)))
}

func TestStatusEndpoint(t *testing.T) {
	env := newServerEnv(t)
	env.addFunction(t, "alive")
	env.launcher.handle("alive", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	resp := env.invoke(t, "alive", []byte(`{}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	statusResp, err := env.ts.Client().Get(env.ts.URL + "/localfn/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status statusResponse
	require.NoError(t, json.Unmarshal(readBody(t, statusResp), &status))
	require.Len(t, status.Functions, 1)
	assert.Equal(t, "alive", status.Functions[0].Name)
	assert.Equal(t, "ready", status.Functions[0].State)
	assert.Greater(t, status.UsedRAMPercent, 0.0)
}
