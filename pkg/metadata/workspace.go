package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/localfn/localfn/pkg/config"
)

var _ Store = &WorkspaceStore{}

// WorkspaceStore discovers functions from the workspace manifest and the
// functions directory. Functions declared in the manifest take precedence;
// any other subdirectory of the functions dir is discoverable under its
// directory name.
type WorkspaceStore struct {
	cfg config.Config
}

func NewWorkspaceStore(cfg config.Config) *WorkspaceStore {
	return &WorkspaceStore{cfg: cfg}
}

func (s *WorkspaceStore) Lookup(name string) (FunctionData, error) {
	if _, ok := s.cfg.Functions[name]; ok {
		return s.functionData(name), nil
	}

	root := s.cfg.FunctionRoot(name)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return FunctionData{}, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return s.functionData(name), nil
}

func (s *WorkspaceStore) List() ([]FunctionData, error) {
	names := make(map[string]struct{}, len(s.cfg.Functions))
	for name := range s.cfg.Functions {
		names[name] = struct{}{}
	}

	dir := filepath.Join(s.cfg.Workspace.Root, s.cfg.Workspace.FunctionsDir)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			names[e.Name()] = struct{}{}
		}
	}

	functions := make([]FunctionData, 0, len(names))
	for name := range names {
		functions = append(functions, s.functionData(name))
	}
	sort.Slice(functions, func(i, j int) bool { return functions[i].Name < functions[j].Name })
	return functions, nil
}

func (s *WorkspaceStore) functionData(name string) FunctionData {
	return FunctionData{
		Name: name,
		Root: s.cfg.FunctionRoot(name),
		Env:  s.cfg.MergedEnv(name),
	}
}
