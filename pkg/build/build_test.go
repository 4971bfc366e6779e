package build

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecBuilderRunsCommand(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "bin")
	b := NewExecBuilder([]string{"/bin/sh", "-c", "echo built {name} for {target} > {output}"}, outDir, discard())

	artifact, err := b.Build(context.Background(), "worker", root, "x86_64-unknown-linux-gnu", "debug")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "worker"), artifact)

	content, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, "built worker for x86_64-unknown-linux-gnu\n", string(content))
}

func TestExecBuilderCompileError(t *testing.T) {
	root := t.TempDir()
	b := NewExecBuilder([]string{"/bin/sh", "-c", "echo 'expected `;`' >&2; exit 3"}, t.TempDir(), discard())

	_, err := b.Build(context.Background(), "broken", root, "", "debug")
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "broken", compileErr.Function)
	assert.Equal(t, 3, compileErr.ExitCode)
	assert.Contains(t, compileErr.Diagnostics, "expected")
}

func TestExecBuilderRunsInFunctionRoot(t *testing.T) {
	root := t.TempDir()
	outDir := t.TempDir()
	b := NewExecBuilder([]string{"/bin/sh", "-c", "pwd > {output}"}, outDir, discard())

	artifact, err := b.Build(context.Background(), "where", root, "", "")
	require.NoError(t, err)

	content, err := os.ReadFile(artifact)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, resolved+"\n", string(content))
}

func TestFingerprintChangesWithContent(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(file, []byte("package main\n"), 0o644))

	before, err := Fingerprint(root)
	require.NoError(t, err)

	same, err := Fingerprint(root)
	require.NoError(t, err)
	assert.Equal(t, before, same)

	require.NoError(t, os.WriteFile(file, []byte("package main\n\nfunc main() {}\n"), 0o644))
	after, err := Fingerprint(root)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestFingerprintIgnoresBuildOutput(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	before, err := Fingerprint(root)
	require.NoError(t, err)

	for _, dir := range []string{"target", ".git", "node_modules"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, dir, "junk"), []byte("x"), 0o644))
	}

	after, err := Fingerprint(root)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
