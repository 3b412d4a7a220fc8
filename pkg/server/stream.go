package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/engine"
)

// maxStreamFrame bounds one request frame; a 224x224 RGB batch of 16 is about 10MB.
const maxStreamFrame = 64 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveStream answers each binary PredictRequest frame with a PredictResponse frame, in order.
// Failures are reported in the response's error field and the stream stays open.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(err, "websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxStreamFrame)

	log.V(2).Info("Stream client connected", "remote", r.RemoteAddr)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.V(2).Info("Stream closed", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			msg := websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "expected binary PredictRequest frames")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}

		response := s.predictFrame(ctx, data)
		b, err := response.MarshalBinary()
		if err != nil {
			log.Error(err, "encoding stream response")
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			log.V(2).Info("Stream write failed", "remote", r.RemoteAddr, "err", err)
			return
		}
	}
}

func (s *Server) predictFrame(ctx context.Context, data []byte) *api.PredictResponse {
	start := s.metrics.begin()
	req := &api.PredictRequest{}
	err := req.UnmarshalBinary(data)
	var response *api.PredictResponse
	if err == nil {
		response, err = engine.Evaluate(ctx, s.batcher, req)
	}
	s.metrics.end(start, err)
	if err != nil {
		return &api.PredictResponse{Error: status.Convert(err).Message()}
	}
	return response
}
