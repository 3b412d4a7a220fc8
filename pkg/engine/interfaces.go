package engine

import (
	"context"

	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// Kernel executes one compiled operation. Kernels never modify their inputs; every output is a
// tensor allocated from the scope or a reshaped view of an input.
type Kernel interface {
	Run(scope *Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
}

// KernelFunc adapts a function to Kernel.
type KernelFunc func(scope *Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)

func (f KernelFunc) Run(scope *Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	return f(scope, inputs)
}

// Factory validates an operation's attributes and arity and returns the kernel for it.
type Factory func(op *graph.Operation) (Kernel, error)

// Runner is a loaded model that can be fed named tensors.
type Runner interface {
	InputNames() []string
	OutputNames() []string
	RunNamed(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
}
