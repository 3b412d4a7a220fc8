package fallback

import (
	"fmt"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// constant emits a fresh copy of a tensor decoded when the operation was compiled.
type constant struct {
	value *tensor.Tensor
}

func (k *constant) Run(scope *engine.Scope, _ []*tensor.Tensor) ([]*tensor.Tensor, error) {
	out := scope.Alloc(k.value.Shape()...)
	copy(out.Data(), k.value.Data())
	return []*tensor.Tensor{out}, nil
}

func fillShape(op *graph.Operation) ([]int, error) {
	shape, ok, err := op.Attrs.Ints("shape")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("missing shape")
	}
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", shape)
		}
	}
	return shape, nil
}

// newGivenTensorFill materializes the "values" argument, given as floats or as a FLOAT tensor.
func newGivenTensorFill(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 0, 0, 1, 1); err != nil {
		return nil, err
	}
	shape, err := fillShape(op)
	if err != nil {
		return nil, err
	}
	values, hasFloats, err := op.Attrs.Floats("values")
	if err != nil {
		proto, hasTensor, terr := op.Attrs.Tensor("values")
		if !hasTensor || terr != nil {
			return nil, err
		}
		t, _, perr := tensor.FromProto(proto)
		if perr != nil {
			return nil, fmt.Errorf("values: %w", perr)
		}
		values, hasFloats = t.Data(), true
	}
	if !hasFloats {
		return nil, fmt.Errorf("missing values")
	}
	value, err := tensor.New(shape, values)
	if err != nil {
		return nil, fmt.Errorf("values do not fill shape %v: %w", shape, err)
	}
	return &constant{value: value}, nil
}

// newGivenTensorFp16Fill widens a FLOAT16 "values" tensor to float32.
func newGivenTensorFp16Fill(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 0, 0, 1, 1); err != nil {
		return nil, err
	}
	shape, err := fillShape(op)
	if err != nil {
		return nil, err
	}
	proto, ok, err := op.Attrs.Tensor("values")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("missing values")
	}
	t, err := tensor.FromFloat16Proto(proto)
	if err != nil {
		return nil, fmt.Errorf("values: %w", err)
	}
	value, err := t.Reshaped(shape)
	if err != nil {
		return nil, fmt.Errorf("values do not fill shape %v: %w", shape, err)
	}
	return &constant{value: value}, nil
}

// constantFill fills a tensor with one value. Its shape is the "shape" argument, or taken from
// the optional input: the input's own shape, or its values when input_as_shape is set.
type constantFill struct {
	op           *graph.Operation
	shape        []int
	value        float32
	inputAsShape bool
}

func newConstantFill(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 0, 1, 1, 1); err != nil {
		return nil, err
	}
	if err := rejectAttrs(op, "extra_shape"); err != nil {
		return nil, err
	}
	dtype, err := op.Attrs.Int("dtype", int(api.DataTypeFloat))
	if err != nil {
		return nil, err
	}
	if api.DataType(dtype) != api.DataTypeFloat {
		return nil, fmt.Errorf("dtype %v is not supported", api.DataType(dtype))
	}
	value, err := op.Attrs.Float("value", 0)
	if err != nil {
		return nil, err
	}
	inputAsShape, err := op.Attrs.Int("input_as_shape", 0)
	if err != nil {
		return nil, err
	}
	k := &constantFill{op: op, value: value, inputAsShape: inputAsShape != 0}
	if len(op.Inputs) == 0 {
		if k.inputAsShape {
			return nil, fmt.Errorf("input_as_shape without an input")
		}
		if k.shape, err = fillShape(op); err != nil {
			return nil, err
		}
	} else if op.Attrs.Has("shape") {
		return nil, fmt.Errorf("shape is given both as an attribute and an input")
	}
	return k, nil
}

func (k *constantFill) Run(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	shape := k.shape
	if len(inputs) == 1 {
		if k.inputAsShape {
			var err error
			if shape, err = shapeFromTensor(k.op.Inputs[0], inputs[0]); err != nil {
				return nil, err
			}
			for _, d := range shape {
				if d < 0 {
					return nil, tensor.ShapeMismatch(k.op.Inputs[0], inputs[0].Shape(), "negative dimension in shape %v", shape)
				}
			}
		} else {
			shape = inputs[0].Shape()
		}
	}
	out := scope.Alloc(shape...)
	if k.value != 0 {
		data := out.Data()
		for i := range data {
			data[i] = k.value
		}
	}
	return []*tensor.Tensor{out}, nil
}

func newCopy(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 1, 1, 1, 1); err != nil {
		return nil, err
	}
	return engine.KernelFunc(func(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		out := scope.Alloc(inputs[0].Shape()...)
		copy(out.Data(), inputs[0].Data())
		return []*tensor.Tensor{out}, nil
	}), nil
}
