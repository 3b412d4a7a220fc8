package fallback

import (
	"slices"

	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// requireRank fails with a shape mismatch unless t has exactly rank dimensions.
func requireRank(op *graph.Operation, input int, t *tensor.Tensor, rank int) error {
	if t.Rank() != rank {
		return tensor.ShapeMismatch(op.Inputs[input], t.Shape(), "%s expects a rank %d input", op.Type, rank)
	}
	return nil
}

func sameSize(t1 *tensor.Tensor, t2 *tensor.Tensor) bool {
	return slices.Equal(t1.Shape(), t2.Shape())
}

// normalizeAxis maps a possibly negative axis into [0, rank).
func normalizeAxis(op *graph.Operation, input int, t *tensor.Tensor, axis int) (int, error) {
	rank := t.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, tensor.ShapeMismatch(op.Inputs[input], t.Shape(), "axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// shapeTensor encodes a shape as a float32 vector, for the auxiliary outputs some operators emit.
func shapeTensor(scope *engine.Scope, shape []int) *tensor.Tensor {
	out := scope.Alloc(len(shape))
	data := out.Data()
	for i, d := range shape {
		data[i] = float32(d)
	}
	return out
}
