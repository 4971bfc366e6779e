package build

import (
	"context"
	"sync"
)

var _ Builder = &MockBuilder{}

// MockBuilder provides an in-memory builder for tests. Builds succeed with a
// synthetic artifact path unless an error is registered for the function.
type MockBuilder struct {
	mu     sync.Mutex
	errs   map[string]error
	builds map[string]int
}

func NewMockBuilder() *MockBuilder {
	return &MockBuilder{
		errs:   make(map[string]error),
		builds: make(map[string]int),
	}
}

// FailWith makes subsequent builds of the function return err. A nil err
// restores successful builds.
func (m *MockBuilder) FailWith(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, name)
		return
	}
	m.errs[name] = err
}

// Builds returns how many times the function has been built.
func (m *MockBuilder) Builds(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.builds[name]
}

func (m *MockBuilder) Build(_ context.Context, name, root, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds[name]++
	if err, ok := m.errs[name]; ok {
		return "", err
	}
	return root + "/" + name + ".bin", nil
}
