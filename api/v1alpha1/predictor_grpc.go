package v1alpha1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	PredictorServiceName        = "predictor.v1alpha1.Predictor"
	PredictorPredictMethod      = "/" + PredictorServiceName + "/Predict"
	PredictorGetModelInfoMethod = "/" + PredictorServiceName + "/GetModelInfo"
)

type PredictorClient interface {
	Predict(ctx context.Context, in *PredictRequest, opts ...grpc.CallOption) (*PredictResponse, error)
	GetModelInfo(ctx context.Context, in *ModelInfoRequest, opts ...grpc.CallOption) (*ModelInfo, error)
}

type predictorClient struct {
	cc grpc.ClientConnInterface
}

func NewPredictorClient(cc grpc.ClientConnInterface) PredictorClient {
	return &predictorClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *predictorClient) Predict(ctx context.Context, in *PredictRequest, opts ...grpc.CallOption) (*PredictResponse, error) {
	out := &PredictResponse{}
	if err := c.cc.Invoke(ctx, PredictorPredictMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *predictorClient) GetModelInfo(ctx context.Context, in *ModelInfoRequest, opts ...grpc.CallOption) (*ModelInfo, error) {
	out := &ModelInfo{}
	if err := c.cc.Invoke(ctx, PredictorGetModelInfoMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// PredictorServer is the server API for the Predictor service.
// Implementations must embed UnimplementedPredictorServer.
type PredictorServer interface {
	Predict(context.Context, *PredictRequest) (*PredictResponse, error)
	GetModelInfo(context.Context, *ModelInfoRequest) (*ModelInfo, error)
	mustEmbedUnimplementedPredictorServer()
}

type UnimplementedPredictorServer struct{}

func (UnimplementedPredictorServer) Predict(context.Context, *PredictRequest) (*PredictResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Predict not implemented")
}

func (UnimplementedPredictorServer) GetModelInfo(context.Context, *ModelInfoRequest) (*ModelInfo, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetModelInfo not implemented")
}

func (UnimplementedPredictorServer) mustEmbedUnimplementedPredictorServer() {}

func RegisterPredictorServer(s grpc.ServiceRegistrar, srv PredictorServer) {
	s.RegisterService(&PredictorServiceDesc, srv)
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &PredictRequest{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictorPredictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictorServer).Predict(ctx, req.(*PredictRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getModelInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &ModelInfoRequest{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).GetModelInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictorGetModelInfoMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictorServer).GetModelInfo(ctx, req.(*ModelInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var PredictorServiceDesc = grpc.ServiceDesc{
	ServiceName: PredictorServiceName,
	HandlerType: (*PredictorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "GetModelInfo", Handler: getModelInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/v1alpha1",
}
