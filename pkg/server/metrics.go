package server

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics counts served requests and assembled batches.
type Metrics struct {
	Requests      atomic.Int64
	Failures      atomic.Int64
	InFlight      atomic.Int64
	Batches       atomic.Int64
	BatchedRuns   atomic.Int64
	LastBatchSize atomic.Int64

	latencyMicros atomic.Int64
}

func (m *Metrics) begin() time.Time {
	m.InFlight.Add(1)
	return time.Now()
}

func (m *Metrics) end(start time.Time, err error) {
	m.InFlight.Add(-1)
	m.Requests.Add(1)
	if err != nil {
		m.Failures.Add(1)
	}
	m.latencyMicros.Add(time.Since(start).Microseconds())
}

func (m *Metrics) observeBatch(runs, samples int) {
	m.Batches.Add(1)
	m.BatchedRuns.Add(int64(runs))
	m.LastBatchSize.Store(int64(samples))
}

// ServePrometheus writes the counters in the Prometheus text format.
func (m *Metrics) ServePrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP predictor_requests_total Predict requests served\n")
	fmt.Fprintf(w, "# TYPE predictor_requests_total counter\n")
	fmt.Fprintf(w, "predictor_requests_total %d\n", m.Requests.Load())
	fmt.Fprintf(w, "# HELP predictor_request_failures_total Predict requests that failed\n")
	fmt.Fprintf(w, "# TYPE predictor_request_failures_total counter\n")
	fmt.Fprintf(w, "predictor_request_failures_total %d\n", m.Failures.Load())
	fmt.Fprintf(w, "# HELP predictor_requests_in_flight Predict requests being served\n")
	fmt.Fprintf(w, "# TYPE predictor_requests_in_flight gauge\n")
	fmt.Fprintf(w, "predictor_requests_in_flight %d\n", m.InFlight.Load())
	fmt.Fprintf(w, "# HELP predictor_request_seconds_total Time spent serving predict requests\n")
	fmt.Fprintf(w, "# TYPE predictor_request_seconds_total counter\n")
	fmt.Fprintf(w, "predictor_request_seconds_total %.6f\n", float64(m.latencyMicros.Load())/1e6)
	fmt.Fprintf(w, "# HELP predictor_batches_total Batched runs of the model\n")
	fmt.Fprintf(w, "# TYPE predictor_batches_total counter\n")
	fmt.Fprintf(w, "predictor_batches_total %d\n", m.Batches.Load())
	fmt.Fprintf(w, "# HELP predictor_batched_requests_total Requests served by a batched run\n")
	fmt.Fprintf(w, "# TYPE predictor_batched_requests_total counter\n")
	fmt.Fprintf(w, "predictor_batched_requests_total %d\n", m.BatchedRuns.Load())
	fmt.Fprintf(w, "# HELP predictor_batch_size Samples in the last batched run\n")
	fmt.Fprintf(w, "# TYPE predictor_batch_size gauge\n")
	fmt.Fprintf(w, "predictor_batch_size %d\n", m.LastBatchSize.Load())
}
