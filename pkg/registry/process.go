package registry

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// LaunchSpec describes one function process to start.
type LaunchSpec struct {
	Function string
	Artifact string
	Dir      string
	Env      []string
}

// Process is a handle to a launched function instance. Handles are exclusively
// owned by their FunctionEntry; no other component signals the process.
type Process interface {
	PID() int
	// Done is closed after the process has exited. A non-nil value carries the
	// wait error.
	Done() <-chan error
	// Stop requests a graceful shutdown and force-kills after the grace period.
	Stop(grace time.Duration) error
}

// Launcher spawns function processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs function artifacts as plain child processes, inheriting
// the tool's stdout and stderr so function logs land on the console.
type ExecLauncher struct {
	logger *slog.Logger
}

func NewExecLauncher(logger *slog.Logger) *ExecLauncher {
	return &ExecLauncher{logger: logger}
}

func (l *ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Artifact)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	l.logger.Debug("launched function process", "function", spec.Function, "pid", cmd.Process.Pid)

	p := &execProcess{cmd: cmd, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan error
	stopOnce sync.Once
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan error {
	return p.done
}

func (p *execProcess) Stop(grace time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(grace):
			err = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return err
}
