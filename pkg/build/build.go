// Package build wraps the external compiler toolchain behind a small
// interface. The registry drives it; only one build per function runs at a
// time because the Building state is exclusive.
package build

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Builder produces an executable artifact for a function source tree.
type Builder interface {
	// Build compiles the function rooted at root for the given target and
	// profile and returns the artifact path. Compilation failures are
	// returned as *CompileError.
	Build(ctx context.Context, name, root, target, profile string) (string, error)
}

// ExecBuilder shells out to a configurable compiler command. Placeholders in
// the command template are expanded per argument: {root}, {name}, {target},
// {profile} and {output}.
type ExecBuilder struct {
	command []string
	outDir  string
	logger  *slog.Logger
}

func NewExecBuilder(command []string, outDir string, logger *slog.Logger) *ExecBuilder {
	return &ExecBuilder{command: command, outDir: outDir, logger: logger}
}

func (b *ExecBuilder) Build(ctx context.Context, name, root, target, profile string) (string, error) {
	output := filepath.Join(b.outDir, name)
	if err := os.MkdirAll(b.outDir, 0o755); err != nil {
		return "", err
	}

	args := expandCommand(b.command, map[string]string{
		"{root}":    root,
		"{name}":    name,
		"{target}":  target,
		"{profile}": profile,
		"{output}":  output,
	})

	b.logger.Info("building function", "function", name, "command", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = root
	var stderr bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return "", &CompileError{
			Function:    name,
			Diagnostics: stderr.String(),
			ExitCode:    exitCode,
		}
	}

	b.logger.Debug("build finished", "function", name, "artifact", output)
	return output, nil
}

func expandCommand(template []string, vars map[string]string) []string {
	args := make([]string, len(template))
	for i, arg := range template {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, k, v)
		}
		args[i] = arg
	}
	return args
}
