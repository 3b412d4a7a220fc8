package engine

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by a runner that has released its weights.
var ErrClosed = errors.New("predictor is closed")

// UnsupportedOperationError reports an operation type, or an attribute combination of a known
// type, that no kernel implements.
type UnsupportedOperationError struct {
	Type string
	Op   string
	Err  error
}

func (e *UnsupportedOperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unsupported operation %s", e.Op)
	}
	return fmt.Sprintf("unsupported operation %s: %v", e.Op, e.Err)
}

func (e *UnsupportedOperationError) Unwrap() error {
	return e.Err
}
