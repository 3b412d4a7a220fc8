package predictor

import "fmt"

// InitializationError reports why a predictor could not be built. No instance exists after it.
type InitializationError struct {
	Stage string
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initializing predictor: %s: %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// ExecutionError reports the operation that failed during a run. The weights are unchanged.
// Index is -1 when the run failed outside any operation, while feeding inputs or collecting
// outputs; Op then names that stage.
type ExecutionError struct {
	Index int
	Op    string
	Type  string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("executing op %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func feedError(name string, err error) error {
	return &ExecutionError{Index: -1, Op: fmt.Sprintf("feeding %q", name), Err: err}
}
