package metadata

import (
	"fmt"
	"sort"
	"sync"
)

var _ Store = &MockStore{}

// MockStore provides an in-memory function store for tests.
type MockStore struct {
	mu        sync.RWMutex
	functions map[string]FunctionData
}

// NewMockStore initialises an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{functions: make(map[string]FunctionData)}
}

// Put stores function metadata under its name.
func (m *MockStore) Put(fd FunctionData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.functions[fd.Name] = fd
}

func (m *MockStore) Lookup(name string) (FunctionData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fd, ok := m.functions[name]
	if !ok {
		return FunctionData{}, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fd, nil
}

func (m *MockStore) List() ([]FunctionData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	functions := make([]FunctionData, 0, len(m.functions))
	for _, fd := range m.functions {
		functions = append(functions, fd)
	}
	sort.Slice(functions, func(i, j int) bool { return functions[i].Name < functions[j].Name })
	return functions, nil
}
