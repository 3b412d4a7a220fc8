// Package fallback is the portable pure-Go kernel set. It covers the operators needed by
// SqueezeNet-style image classifiers plus the fill operators that populate weights.
package fallback

import (
	"fmt"

	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/graph"
)

// NewRegistry returns a registry holding every kernel of this package.
func NewRegistry() *engine.Registry {
	r := engine.NewRegistry()

	r.Register("Conv", newConv)
	r.Register("MaxPool", newMaxPool)
	r.Register("AveragePool", newAveragePool)
	r.Register("Relu", newRelu)
	r.Register("Concat", newConcat)
	r.Register("Dropout", newDropout)
	r.Register("Reshape", newReshape)
	r.Register("Flatten", newFlatten)
	r.Register("Add", newAdd)
	r.Register("Sum", newSum)
	r.Register("Softmax", newSoftmax)

	r.Register("GivenTensorFill", newGivenTensorFill)
	r.Register("GivenTensorFp16Fill", newGivenTensorFp16Fill)
	r.Register("ConstantFill", newConstantFill)
	r.Register("Copy", newCopy)

	return r
}

// arity checks the input and output counts of op; a negative maximum means unbounded.
func arity(op *graph.Operation, minIn, maxIn, minOut, maxOut int) error {
	if n := len(op.Inputs); n < minIn || (maxIn >= 0 && n > maxIn) {
		return fmt.Errorf("%s takes %s inputs, got %d", op.Type, describeRange(minIn, maxIn), n)
	}
	if n := len(op.Outputs); n < minOut || (maxOut >= 0 && n > maxOut) {
		return fmt.Errorf("%s produces %s outputs, got %d", op.Type, describeRange(minOut, maxOut), n)
	}
	return nil
}

func describeRange(lo, hi int) string {
	switch {
	case hi < 0:
		return fmt.Sprintf("at least %d", lo)
	case lo == hi:
		return fmt.Sprintf("%d", lo)
	default:
		return fmt.Sprintf("%d to %d", lo, hi)
	}
}

// rejectAttrs fails on attributes whose presence changes semantics we do not implement.
func rejectAttrs(op *graph.Operation, names ...string) error {
	for _, name := range names {
		if op.Attrs.Has(name) {
			return fmt.Errorf("attribute %q is not supported", name)
		}
	}
	return nil
}

// checkOrder accepts only the NCHW layout.
func checkOrder(op *graph.Operation) error {
	order, err := op.Attrs.String("order", "NCHW")
	if err != nil {
		return err
	}
	if order != "NCHW" {
		return fmt.Errorf("order %q is not supported, only NCHW", order)
	}
	return nil
}
