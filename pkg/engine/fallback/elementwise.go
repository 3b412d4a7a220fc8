package fallback

import (
	"fmt"
	"math"

	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// chunk is the element count one parallel work item covers in elementwise loops.
const chunk = 1 << 14

// mapChunks splits [0, n) into ranges and runs fn over them in parallel.
func mapChunks(scope *engine.Scope, n int, fn func(lo, hi int)) error {
	return scope.ParallelFor((n+chunk-1)/chunk, func(i int) error {
		lo := i * chunk
		fn(lo, min(lo+chunk, n))
		return nil
	})
}

func newRelu(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 1, 1, 1, 1); err != nil {
		return nil, err
	}
	return engine.KernelFunc(func(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		x := inputs[0]
		out := scope.Alloc(x.Shape()...)
		src, dst := x.Data(), out.Data()
		err := mapChunks(scope, len(src), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				// NaN compares false and passes through.
				if v := src[i]; v < 0 {
					dst[i] = 0
				} else {
					dst[i] = v
				}
			}
		})
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil
	}), nil
}

// newAdd handles Add, which takes exactly two operands. Broadcasting is not implemented.
func newAdd(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 2, 2, 1, 1); err != nil {
		return nil, err
	}
	if err := rejectAttrs(op, "axis", "axis_str"); err != nil {
		return nil, err
	}
	broadcast, err := op.Attrs.Int("broadcast", 0)
	if err != nil {
		return nil, err
	}
	if broadcast != 0 {
		return nil, fmt.Errorf("broadcast is not supported")
	}
	return &sum{op: op}, nil
}

func newSum(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 1, -1, 1, 1); err != nil {
		return nil, err
	}
	return &sum{op: op}, nil
}

// sum adds any number of same-shaped tensors elementwise.
type sum struct {
	op *graph.Operation
}

func (k *sum) Run(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	first := inputs[0]
	for i, in := range inputs[1:] {
		if !sameSize(first, in) {
			return nil, tensor.ShapeMismatch(k.op.Inputs[i+1], in.Shape(), "%s operands must match shape %v", k.op.Type, first.Shape())
		}
	}
	out := scope.Alloc(first.Shape()...)
	dst := out.Data()
	err := mapChunks(scope, len(dst), func(lo, hi int) {
		copy(dst[lo:hi], first.Data()[lo:hi])
		for _, in := range inputs[1:] {
			src := in.Data()[lo:hi]
			for i, v := range src {
				dst[lo+i] += v
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

// newDropout is inference-time dropout: the identity. The optional second output is a mask of ones.
func newDropout(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 1, 1, 1, 2); err != nil {
		return nil, err
	}
	isTest, err := op.Attrs.Int("is_test", 1)
	if err != nil {
		return nil, err
	}
	if isTest == 0 {
		return nil, fmt.Errorf("training mode dropout is not supported")
	}
	ratio, err := op.Attrs.Float("ratio", 0.5)
	if err != nil {
		return nil, err
	}
	if ratio < 0 || ratio >= 1 {
		return nil, fmt.Errorf("ratio %v must be in [0, 1)", ratio)
	}
	withMask := len(op.Outputs) == 2
	return engine.KernelFunc(func(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		x := inputs[0]
		view, err := x.Reshaped(x.Shape())
		if err != nil {
			return nil, err
		}
		outputs := []*tensor.Tensor{view}
		if withMask {
			mask := scope.Alloc(x.Shape()...)
			for i := range mask.Data() {
				mask.Data()[i] = 1
			}
			outputs = append(outputs, mask)
		}
		return outputs, nil
	}), nil
}

// softmax normalizes the input coerced to 2D at axis: [prod(dims[:axis]), prod(dims[axis:])].
type softmax struct {
	op   *graph.Operation
	axis int
}

func newSoftmax(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 1, 1, 1, 1); err != nil {
		return nil, err
	}
	axis, err := op.Attrs.Int("axis", 1)
	if err != nil {
		return nil, err
	}
	return &softmax{op: op, axis: axis}, nil
}

func (k *softmax) Run(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	x := inputs[0]
	axis, err := normalizeAxis(k.op, 0, x, k.axis)
	if err != nil {
		return nil, err
	}
	shape := x.Shape()
	rows := tensor.NumberOfElements(shape[:axis]...)
	cols := tensor.NumberOfElements(shape[axis:]...)

	out := scope.Alloc(shape...)
	if cols == 0 {
		return []*tensor.Tensor{out}, nil
	}
	src, dst := x.Data(), out.Data()
	err = scope.ParallelFor(rows, func(r int) error {
		SoftmaxRow(dst[r*cols:][:cols], src[r*cols:][:cols])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

// SoftmaxRow writes the numerically stable softmax of src into dst.
func SoftmaxRow(dst, src []float32) {
	peak := float32(math.Inf(-1))
	for _, v := range src {
		peak = max(peak, v)
	}
	var total float64
	for i, v := range src {
		e := math.Exp(float64(v - peak))
		dst[i] = float32(e)
		total += e
	}
	for i := range dst {
		dst[i] = float32(float64(dst[i]) / total)
	}
}
