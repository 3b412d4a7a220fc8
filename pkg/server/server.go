// Package server exposes a predictor over gRPC, with health, metrics and a websocket stream
// over HTTP.
package server

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/predictor"
)

type Server struct {
	api.UnimplementedPredictorServer

	predictor *predictor.Predictor
	batcher   *Batcher
	metrics   *Metrics
}

var _ api.PredictorServer = &Server{}

func New(p *predictor.Predictor, cfg BatcherConfig) *Server {
	metrics := &Metrics{}
	return &Server{
		predictor: p,
		batcher:   NewBatcher(cfg, p, metrics),
		metrics:   metrics,
	}
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins background batching.
func (s *Server) Start(ctx context.Context) {
	s.batcher.Start(ctx)
}

// Stop ends batching. The predictor is left open; its owner closes it.
func (s *Server) Stop() {
	s.batcher.Stop()
}

func (s *Server) Register(r grpc.ServiceRegistrar) {
	api.RegisterPredictorServer(r, s)
}

func (s *Server) Predict(ctx context.Context, req *api.PredictRequest) (*api.PredictResponse, error) {
	log := klog.FromContext(ctx)

	start := s.metrics.begin()
	response, err := engine.Evaluate(ctx, s.batcher, req)
	s.metrics.end(start, err)
	if err != nil {
		log.V(2).Info("Predict failed", "err", err)
		return nil, err
	}
	return response, nil
}

func (s *Server) GetModelInfo(ctx context.Context, req *api.ModelInfoRequest) (*api.ModelInfo, error) {
	return s.predictor.Info(), nil
}

// Handler serves /healthz, /metrics and /v1alpha1/stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.serveHealthz)
	mux.HandleFunc("GET /metrics", s.metrics.ServePrometheus)
	mux.HandleFunc("GET /v1alpha1/stream", s.serveStream)
	return mux
}

func (s *Server) serveHealthz(w http.ResponseWriter, r *http.Request) {
	if s.predictor.Closed() {
		http.Error(w, "predictor closed", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}
