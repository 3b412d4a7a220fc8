package fallback

import (
	"fmt"
	"math"

	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// concat joins its inputs along axis. A second output receives each input's extent along axis.
type concat struct {
	op        *graph.Operation
	axis      int
	splitInfo bool
}

func newConcat(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 1, -1, 1, 2); err != nil {
		return nil, err
	}
	if err := checkOrder(op); err != nil {
		return nil, err
	}
	addAxis, err := op.Attrs.Int("add_axis", 0)
	if err != nil {
		return nil, err
	}
	if addAxis != 0 {
		return nil, fmt.Errorf("add_axis is not supported")
	}
	axis, err := op.Attrs.Int("axis", 1)
	if err != nil {
		return nil, err
	}
	return &concat{op: op, axis: axis, splitInfo: len(op.Outputs) == 2}, nil
}

func (k *concat) Run(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	first := inputs[0]
	axis, err := normalizeAxis(k.op, 0, first, k.axis)
	if err != nil {
		return nil, err
	}
	shape := first.Shape()
	extents := make([]int, len(inputs))
	total := 0
	for i, in := range inputs {
		if in.Rank() != len(shape) {
			return nil, tensor.ShapeMismatch(k.op.Inputs[i], in.Shape(), "concat operands must have rank %d", len(shape))
		}
		for d := range shape {
			if d != axis && in.Dim(d) != shape[d] {
				return nil, tensor.ShapeMismatch(k.op.Inputs[i], in.Shape(), "dimension %d must be %d to concatenate along axis %d", d, shape[d], axis)
			}
		}
		extents[i] = in.Dim(axis)
		total += extents[i]
	}
	shape[axis] = total

	out := scope.Alloc(shape...)
	outer := tensor.NumberOfElements(shape[:axis]...)
	inner := tensor.NumberOfElements(shape[axis+1:]...)
	dst := out.Data()
	err = scope.ParallelFor(outer, func(o int) error {
		offset := o * total * inner
		for i, in := range inputs {
			n := extents[i] * inner
			copy(dst[offset:offset+n], in.Data()[o*n:(o+1)*n])
			offset += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	outputs := []*tensor.Tensor{out}
	if k.splitInfo {
		outputs = append(outputs, shapeTensor(scope, extents))
	}
	return outputs, nil
}

// reshape reinterprets its input with a new shape. 0 copies the input extent at that position,
// -1 is inferred. The shape comes from the "shape" attribute or a second input.
type reshape struct {
	op       *graph.Operation
	shape    []int
	oldShape bool
}

func newReshape(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 1, 2, 1, 2); err != nil {
		return nil, err
	}
	shape, hasShape, err := op.Attrs.Ints("shape")
	if err != nil {
		return nil, err
	}
	switch {
	case hasShape && len(op.Inputs) == 2:
		return nil, fmt.Errorf("shape is given both as an attribute and an input")
	case !hasShape && len(op.Inputs) == 1:
		return nil, fmt.Errorf("no target shape")
	}
	inferred := 0
	for _, d := range shape {
		switch {
		case d == -1:
			inferred++
		case d < -1:
			return nil, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
	}
	if inferred > 1 {
		return nil, fmt.Errorf("shape %v infers more than one dimension", shape)
	}
	return &reshape{op: op, shape: shape, oldShape: len(op.Outputs) == 2}, nil
}

func (k *reshape) Run(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	x := inputs[0]
	target := k.shape
	if len(inputs) == 2 {
		var err error
		if target, err = shapeFromTensor(k.op.Inputs[1], inputs[1]); err != nil {
			return nil, err
		}
	}
	shape, err := resolveShape(k.op.Inputs[0], x, target)
	if err != nil {
		return nil, err
	}
	view, err := x.Reshaped(shape)
	if err != nil {
		return nil, err
	}
	outputs := []*tensor.Tensor{view}
	if k.oldShape {
		outputs = append(outputs, shapeTensor(scope, x.Shape()))
	}
	return outputs, nil
}

// shapeFromTensor reads a rank 1 tensor of integral values as a shape.
func shapeFromTensor(name string, t *tensor.Tensor) ([]int, error) {
	if t.Rank() != 1 {
		return nil, tensor.ShapeMismatch(name, t.Shape(), "shape input must be rank 1")
	}
	shape := make([]int, t.Size())
	for i, v := range t.Data() {
		if v != float32(math.Trunc(float64(v))) || v < -1 || v > math.MaxInt32 {
			return nil, tensor.ShapeMismatch(name, t.Shape(), "shape value %v is not a dimension", v)
		}
		shape[i] = int(v)
	}
	return shape, nil
}

func resolveShape(name string, x *tensor.Tensor, target []int) ([]int, error) {
	shape := make([]int, len(target))
	known := 1
	inferAt := -1
	for i, d := range target {
		switch {
		case d == 0:
			if i >= x.Rank() {
				return nil, tensor.ShapeMismatch(name, x.Shape(), "shape %v copies dimension %d", target, i)
			}
			shape[i] = x.Dim(i)
		case d == -1:
			if inferAt >= 0 {
				return nil, tensor.ShapeMismatch(name, x.Shape(), "shape %v infers more than one dimension", target)
			}
			inferAt = i
			continue
		default:
			shape[i] = d
		}
		known *= shape[i]
	}
	if inferAt >= 0 {
		if known == 0 || x.Size()%known != 0 {
			return nil, tensor.ShapeMismatch(name, x.Shape(), "cannot infer a dimension of shape %v", target)
		}
		shape[inferAt] = x.Size() / known
	} else if known != x.Size() {
		return nil, tensor.ShapeMismatch(name, x.Shape(), "cannot reshape %d elements to %v", x.Size(), target)
	}
	return shape, nil
}

// newFlatten collapses the input to 2D: [prod(dims[:axis]), prod(dims[axis:])].
func newFlatten(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 1, 1, 1, 1); err != nil {
		return nil, err
	}
	axis, err := op.Attrs.Int("axis", 1)
	if err != nil {
		return nil, err
	}
	return engine.KernelFunc(func(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		x := inputs[0]
		shape := x.Shape()
		a := axis
		if a < 0 {
			a += len(shape)
		}
		if a < 0 || a > len(shape) {
			return nil, tensor.ShapeMismatch(op.Inputs[0], shape, "flatten axis %d out of range", axis)
		}
		view, err := x.Reshaped([]int{tensor.NumberOfElements(shape[:a]...), tensor.NumberOfElements(shape[a:]...)})
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{view}, nil
	}), nil
}
