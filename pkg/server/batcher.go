package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// BatcherConfig holds tunable batching parameters.
type BatcherConfig struct {
	// MaxBatchSize is the most samples one run may carry; 1 disables batching.
	MaxBatchSize int
	// MaxWait is how long the first request of a batch waits for company.
	MaxWait time.Duration
}

// Batcher micro-batches concurrent runs. Requests whose inputs agree on every dimension but
// the first are concatenated along it, run once, and the outputs split back per request.
// It is itself an engine.Runner.
type Batcher struct {
	cfg     BatcherConfig
	runner  engine.Runner
	metrics *Metrics

	pending chan *pendingRun
	stopCh  chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

var _ engine.Runner = &Batcher{}

type pendingRun struct {
	ctx     context.Context
	inputs  map[string]*tensor.Tensor
	samples int
	key     string
	done    chan runResult
}

type runResult struct {
	outputs map[string]*tensor.Tensor
	err     error
}

func NewBatcher(cfg BatcherConfig, runner engine.Runner, metrics *Metrics) *Batcher {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Batcher{
		cfg:     cfg,
		runner:  runner,
		metrics: metrics,
		pending: make(chan *pendingRun),
		stopCh:  make(chan struct{}),
	}
}

func (b *Batcher) enabled() bool {
	return b.cfg.MaxBatchSize > 1
}

// Start begins the batching loop. Runs submitted before Start, or with batching disabled, go
// straight to the runner.
func (b *Batcher) Start(ctx context.Context) {
	if !b.enabled() {
		return
	}
	log := klog.FromContext(ctx)
	b.wg.Add(1)
	go b.loop(ctx)
	log.Info("Batcher started", "maxBatchSize", b.cfg.MaxBatchSize, "maxWait", b.cfg.MaxWait)
}

// Stop ends the loop after the batch being collected has run.
func (b *Batcher) Stop() {
	b.stop.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
}

func (b *Batcher) InputNames() []string {
	return b.runner.InputNames()
}

func (b *Batcher) OutputNames() []string {
	return b.runner.OutputNames()
}

// RunNamed runs the inputs, batched with concurrent calls when their shapes allow.
func (b *Batcher) RunNamed(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if !b.enabled() {
		return b.runner.RunNamed(ctx, inputs)
	}
	samples, key, ok := b.batchKey(inputs)
	if !ok || samples >= b.cfg.MaxBatchSize {
		return b.runner.RunNamed(ctx, inputs)
	}

	p := &pendingRun{ctx: ctx, inputs: inputs, samples: samples, key: key, done: make(chan runResult, 1)}
	select {
	case b.pending <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stopCh:
		// Not accepted by the loop; run alone.
		return b.runner.RunNamed(ctx, inputs)
	}

	select {
	case r := <-p.done:
		return r.outputs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// batchKey describes the per-sample shape of a request. ok is false when the request cannot
// join a batch: an input is missing or scalar, or the inputs disagree on the sample count.
func (b *Batcher) batchKey(inputs map[string]*tensor.Tensor) (samples int, key string, ok bool) {
	names := b.runner.InputNames()
	if len(inputs) != len(names) {
		return 0, "", false
	}
	samples = -1
	for _, name := range names {
		t, found := inputs[name]
		if !found || t.Rank() == 0 {
			return 0, "", false
		}
		if samples >= 0 && t.Dim(0) != samples {
			return 0, "", false
		}
		samples = t.Dim(0)
		key += fmt.Sprintf("%s%v;", name, t.Shape()[1:])
	}
	return samples, key, samples > 0
}

func (b *Batcher) loop(ctx context.Context) {
	defer b.wg.Done()

	for {
		var first *pendingRun
		select {
		case <-b.stopCh:
			return
		case first = <-b.pending:
		}

		batch := []*pendingRun{first}
		samples := first.samples
		timer := time.NewTimer(b.cfg.MaxWait)
	collect:
		for samples < b.cfg.MaxBatchSize {
			select {
			case p := <-b.pending:
				batch = append(batch, p)
				samples += p.samples
			case <-timer.C:
				break collect
			case <-b.stopCh:
				break collect
			}
		}
		timer.Stop()

		b.execute(ctx, batch)
	}
}

// execute groups the collected runs by per-sample shape and runs each group in chunks of at
// most MaxBatchSize samples.
func (b *Batcher) execute(ctx context.Context, batch []*pendingRun) {
	var keys []string
	groups := make(map[string][]*pendingRun)
	for _, p := range batch {
		if err := p.ctx.Err(); err != nil {
			p.done <- runResult{err: err}
			continue
		}
		if _, found := groups[p.key]; !found {
			keys = append(keys, p.key)
		}
		groups[p.key] = append(groups[p.key], p)
	}

	for _, key := range keys {
		var chunk []*pendingRun
		samples := 0
		for _, p := range groups[key] {
			if samples+p.samples > b.cfg.MaxBatchSize && len(chunk) > 0 {
				b.runChunk(ctx, chunk, samples)
				chunk, samples = nil, 0
			}
			chunk = append(chunk, p)
			samples += p.samples
		}
		b.runChunk(ctx, chunk, samples)
	}
}

func (b *Batcher) runAlone(p *pendingRun) {
	outputs, err := b.runner.RunNamed(p.ctx, p.inputs)
	p.done <- runResult{outputs: outputs, err: err}
}

func (b *Batcher) runChunk(ctx context.Context, chunk []*pendingRun, samples int) {
	log := klog.FromContext(ctx)

	if len(chunk) == 1 {
		b.runAlone(chunk[0])
		return
	}

	inputs := make(map[string]*tensor.Tensor, len(chunk[0].inputs))
	for name := range chunk[0].inputs {
		parts := make([]*tensor.Tensor, len(chunk))
		for i, p := range chunk {
			parts[i] = p.inputs[name]
		}
		inputs[name] = concatSamples(parts, samples)
	}

	start := time.Now()
	outputs, err := b.runner.RunNamed(ctx, inputs)
	if err != nil {
		// One bad request must not fail its neighbours; rerun each to attribute the error.
		log.V(2).Info("Batched run failed, running requests alone", "runs", len(chunk), "err", err)
		for _, p := range chunk {
			b.runAlone(p)
		}
		return
	}
	for _, t := range outputs {
		if t.Rank() == 0 || t.Dim(0) != samples {
			log.V(2).Info("Output is not per sample, running requests alone", "shape", t.Shape())
			for _, p := range chunk {
				b.runAlone(p)
			}
			return
		}
	}

	b.metrics.observeBatch(len(chunk), samples)
	log.V(4).Info("Ran batch", "runs", len(chunk), "samples", samples, "elapsed", time.Since(start))

	offset := 0
	for _, p := range chunk {
		result := make(map[string]*tensor.Tensor, len(outputs))
		for name, t := range outputs {
			result[name] = sliceSamples(t, offset, p.samples)
		}
		offset += p.samples
		p.done <- runResult{outputs: result}
	}
}

// concatSamples joins tensors along the first dimension.
func concatSamples(parts []*tensor.Tensor, samples int) *tensor.Tensor {
	shape := parts[0].Shape()
	shape[0] = samples
	data := make([]float32, 0, tensor.NumberOfElements(shape...))
	for _, t := range parts {
		data = append(data, t.Data()...)
	}
	return tensor.MustNew(shape, data)
}

// sliceSamples copies samples [offset, offset+n) of t.
func sliceSamples(t *tensor.Tensor, offset, n int) *tensor.Tensor {
	shape := t.Shape()
	per := tensor.NumberOfElements(shape[1:]...)
	shape[0] = n
	return tensor.MustNew(shape, slices.Clone(t.Data()[offset*per:(offset+n)*per]))
}
