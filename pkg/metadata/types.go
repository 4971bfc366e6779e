package metadata

import "errors"

// FunctionData represents the data required to build and run a function.
type FunctionData struct {
	// Name uniquely identifies the function in the workspace.
	Name string
	// Root is the absolute path of the function's source tree.
	Root string
	// Env holds the merged environment for the function: workspace defaults
	// overridden by function-specific entries.
	Env map[string]string
}

// Store resolves function names to their metadata.
type Store interface {
	// Lookup returns the metadata for a function, or ErrUnknownFunction if the
	// name matches no discoverable target.
	Lookup(name string) (FunctionData, error)
	// List returns every discoverable function in the workspace.
	List() ([]FunctionData, error)
}

var ErrUnknownFunction = errors.New("unknown function")
