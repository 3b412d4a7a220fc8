package predictor

import (
	"k8s.io/examples/AI/predictor/pkg/engine"
)

type options struct {
	registry    *engine.Registry
	parallelism int
	inputNames  []string
}

// Option customizes New.
type Option func(*options)

// WithRegistry resolves operations against r instead of the built-in kernel set.
func WithRegistry(r *engine.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithParallelism bounds the work items a kernel runs at once. Values below 1 mean serial.
func WithParallelism(n int) Option {
	return func(o *options) {
		o.parallelism = n
	}
}

// WithInputNames names the data inputs explicitly rather than deriving them from the
// predict graph's external inputs.
func WithInputNames(names ...string) Option {
	return func(o *options) {
		o.inputNames = append([]string(nil), names...)
	}
}
