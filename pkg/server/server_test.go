package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/predictor"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// newPredictor loads a model computing scores = softmax(flatten(relu(conv2x2(data)))).
func newPredictor(t *testing.T) *predictor.Predictor {
	t.Helper()
	initNet, err := graph.NewBuilder("init").
		Op("GivenTensorFill", nil, []string{"w"}, graph.IntsArg("shape", 2, 1, 2, 2), graph.FloatsArg("values", 1, 0, 0, 0, 0, 0, 0, 1)).
		ExternalOutput("w").
		Marshal()
	require.NoError(t, err)
	predictNet, err := graph.NewBuilder("tiny").
		Op("Conv", []string{"data", "w"}, []string{"c"}, graph.IntArg("kernel", 2)).
		Op("Relu", []string{"c"}, []string{"c"}).
		Op("AveragePool", []string{"c"}, []string{"p"}, graph.IntArg("global_pooling", 1)).
		Op("Flatten", []string{"p"}, []string{"f"}).
		Op("Softmax", []string{"f"}, []string{"scores"}).
		ExternalInput("data", "w").
		ExternalOutput("scores").
		Marshal()
	require.NoError(t, err)
	p, err := predictor.New(context.Background(), initNet, predictNet)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func image(first, last float32) *tensor.Tensor {
	return tensor.MustNew([]int{1, 1, 2, 2}, []float32{first, 0, 0, last})
}

func requestFor(x *tensor.Tensor) *api.PredictRequest {
	return &api.PredictRequest{Inputs: []*api.TensorProto{tensor.ToProto("data", x, tensor.EncodingRaw)}}
}

func decodeScores(t *testing.T, resp *api.PredictResponse) []float32 {
	t.Helper()
	require.Len(t, resp.Outputs, 1)
	require.Equal(t, "scores", resp.Outputs[0].Name)
	scores, _, err := tensor.FromProto(resp.Outputs[0])
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, scores.Shape())
	return scores.Data()
}

func newServer(t *testing.T, p *predictor.Predictor, cfg BatcherConfig) *Server {
	t.Helper()
	s := New(p, cfg)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func dialServer(t *testing.T, s *Server) api.PredictorClient {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	s.Register(grpcServer)
	go grpcServer.Serve(listener)
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return api.NewPredictorClient(conn)
}

func TestPredictOverGRPC(t *testing.T) {
	s := newServer(t, newPredictor(t), BatcherConfig{MaxBatchSize: 4, MaxWait: time.Millisecond})
	client := dialServer(t, s)
	ctx := context.Background()

	info, err := client.GetModelInfo(ctx, &api.ModelInfoRequest{})
	require.NoError(t, err)
	require.Equal(t, "tiny", info.Name)
	require.Equal(t, []string{"data"}, info.Inputs)
	require.Equal(t, []string{"scores"}, info.Outputs)
	require.EqualValues(t, 1, info.Weights)

	resp, err := client.Predict(ctx, requestFor(image(3, 1)))
	require.NoError(t, err)
	scores := decodeScores(t, resp)
	require.Greater(t, scores[0], scores[1])
	require.InDelta(t, 1, scores[0]+scores[1], 1e-6)

	_, err = client.Predict(ctx, requestFor(tensor.Zeros(1, 2, 2, 2)))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Predict(ctx, &api.PredictRequest{Inputs: []*api.TensorProto{
		tensor.ToProto("bogus", image(1, 1), tensor.EncodingRaw),
	}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	require.EqualValues(t, 3, s.Metrics().Requests.Load())
	require.EqualValues(t, 2, s.Metrics().Failures.Load())
}

func TestHealthzAndMetrics(t *testing.T) {
	p := newPredictor(t)
	s := newServer(t, p, BatcherConfig{MaxBatchSize: 1})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok\n", string(body))

	_, err = s.Predict(context.Background(), requestFor(image(1, 2)))
	require.NoError(t, err)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), "predictor_requests_total 1\n")
	require.Contains(t, string(body), "predictor_request_failures_total 0\n")

	require.NoError(t, p.Close())
	resp, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, err = s.Predict(context.Background(), requestFor(image(1, 2)))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestStream(t *testing.T) {
	s := newServer(t, newPredictor(t), BatcherConfig{MaxBatchSize: 1})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1alpha1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip := func(frame []byte) *api.PredictResponse {
		t.Helper()
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, typ)
		resp := &api.PredictResponse{}
		require.NoError(t, resp.UnmarshalBinary(data))
		return resp
	}

	// Responses come back in request order.
	for _, x := range []*tensor.Tensor{image(5, 1), image(1, 5)} {
		frame, err := requestFor(x).MarshalBinary()
		require.NoError(t, err)
		resp := roundTrip(frame)
		require.Empty(t, resp.Error)
		scores := decodeScores(t, resp)
		require.Equal(t, x.Data()[0] > x.Data()[3], scores[0] > scores[1])
	}

	// A bad frame is reported in-band and the stream stays open.
	resp := roundTrip([]byte{0xff, 0xff})
	require.NotEmpty(t, resp.Error)
	frame, err := requestFor(tensor.Zeros(1, 3, 2, 2)).MarshalBinary()
	require.NoError(t, err)
	resp = roundTrip(frame)
	require.Contains(t, resp.Error, "shape mismatch")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
}
