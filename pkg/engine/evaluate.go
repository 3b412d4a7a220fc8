package engine

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// Evaluate serves a predict request against runner, translating failures to gRPC status errors.
func Evaluate(ctx context.Context, runner Runner, req *api.PredictRequest) (*api.PredictResponse, error) {
	inputs, err := DecodeInputs(runner, req)
	if err != nil {
		return nil, err
	}

	outputs, err := runner.RunNamed(ctx, inputs)
	if err != nil {
		return nil, StatusFromError(err)
	}

	return EncodeOutputs(runner, outputs)
}

// DecodeInputs maps the request's tensors onto the runner's input names. An unnamed tensor is
// accepted when the runner has exactly one input.
func DecodeInputs(runner Runner, req *api.PredictRequest) (map[string]*tensor.Tensor, error) {
	names := runner.InputNames()
	inputs := make(map[string]*tensor.Tensor, len(req.GetInputs()))
	for i, p := range req.GetInputs() {
		name := p.GetName()
		if name == "" {
			if len(names) != 1 {
				return nil, status.Errorf(codes.InvalidArgument, "input %d has no name and the model has %d inputs", i, len(names))
			}
			name = names[0]
		}
		if _, dup := inputs[name]; dup {
			return nil, status.Errorf(codes.InvalidArgument, "input %q given twice", name)
		}
		t, _, err := tensor.FromProto(p)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decoding input %q: %v", name, err)
		}
		inputs[name] = t
	}
	return inputs, nil
}

// EncodeOutputs lays the outputs out in the runner's declared output order.
func EncodeOutputs(runner Runner, outputs map[string]*tensor.Tensor) (*api.PredictResponse, error) {
	response := &api.PredictResponse{}
	for _, name := range runner.OutputNames() {
		t, found := outputs[name]
		if !found {
			return nil, status.Errorf(codes.Internal, "output %q was not produced", name)
		}
		response.Outputs = append(response.Outputs, tensor.ToProto(name, t, tensor.EncodingRaw))
	}
	return response, nil
}

// StatusFromError classifies a runner error for the wire.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var (
		shape       *tensor.ShapeMismatchError
		unknown     *tensor.UnknownTensorError
		unsupported *UnsupportedOperationError
	)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, ErrClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &shape), errors.As(err, &unknown):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &unsupported):
		return status.Error(codes.Unimplemented, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprintf("evaluating model: %v", err))
	}
}
