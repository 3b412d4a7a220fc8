package engine

import (
	"errors"
	"fmt"
	"sort"

	"k8s.io/examples/AI/predictor/pkg/graph"
)

// Registry resolves operation types to kernel factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds opType to factory, replacing any earlier binding.
func (r *Registry) Register(opType string, factory Factory) {
	r.factories[opType] = factory
}

func (r *Registry) Supports(opType string) bool {
	_, ok := r.factories[opType]
	return ok
}

// Types lists the registered operation types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Compile resolves op to a kernel. Any failure is an *UnsupportedOperationError.
func (r *Registry) Compile(op *graph.Operation) (Kernel, error) {
	factory, ok := r.factories[op.Type]
	if !ok {
		return nil, &UnsupportedOperationError{Type: op.Type, Op: op.Label(), Err: fmt.Errorf("no kernel for type %q", op.Type)}
	}
	kernel, err := factory(op)
	if err != nil {
		var unsupported *UnsupportedOperationError
		if errors.As(err, &unsupported) {
			return nil, err
		}
		return nil, &UnsupportedOperationError{Type: op.Type, Op: op.Label(), Err: err}
	}
	return kernel, nil
}

// CompileAll resolves every operation of def, in order.
func (r *Registry) CompileAll(def *graph.Definition) ([]Kernel, error) {
	kernels := make([]Kernel, len(def.Operations))
	for i, op := range def.Operations {
		kernel, err := r.Compile(op)
		if err != nil {
			return nil, err
		}
		kernels[i] = kernel
	}
	return kernels, nil
}
