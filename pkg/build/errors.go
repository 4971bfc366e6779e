package build

import "fmt"

// CompileError reports a failed build together with the compiler diagnostics.
type CompileError struct {
	Function    string
	Diagnostics string
	ExitCode    int
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling %s failed with exit code %d: %s", e.Function, e.ExitCode, e.Diagnostics)
}
