package tensor

import (
	"errors"
	"fmt"
)

// ErrReadOnly is returned when writing a name owned by a frozen store.
var ErrReadOnly = errors.New("tensor is read-only")

// UnknownTensorError reports a lookup of a name that no store holds.
type UnknownTensorError struct {
	Name string
}

func (e *UnknownTensorError) Error() string {
	return fmt.Sprintf("unknown tensor %q", e.Name)
}

// ShapeMismatchError reports a tensor whose shape does not fit where it is used.
type ShapeMismatchError struct {
	Name   string
	Got    []int
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("shape mismatch: got %v: %s", e.Got, e.Reason)
	}
	return fmt.Sprintf("shape mismatch for %q: got %v: %s", e.Name, e.Got, e.Reason)
}

// ShapeMismatch builds a ShapeMismatchError with a formatted reason.
func ShapeMismatch(name string, got []int, format string, args ...any) error {
	return &ShapeMismatchError{Name: name, Got: append([]int(nil), got...), Reason: fmt.Sprintf(format, args...)}
}
