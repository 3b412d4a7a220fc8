// Package predictor loads a pair of serialized graphs, an init graph that produces the weights
// and a predict graph that maps inputs to outputs, and runs the predict graph on demand.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"k8s.io/klog/v2"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/engine/fallback"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// Predictor is a loaded model. It is safe for concurrent use: every run works in a private
// scratch store layered over the frozen weights.
type Predictor struct {
	name        string
	parallelism int

	ops     []*graph.Operation
	kernels []engine.Kernel
	drops   [][]string

	inputs  []string
	outputs []string

	mu      sync.RWMutex
	closed  bool
	weights *tensor.Store
	arena   *tensor.Arena
}

var _ engine.Runner = &Predictor{}

// New builds a predictor from a serialized init graph and predict graph. Any failure is an
// *InitializationError.
func New(ctx context.Context, initNet, predictNet []byte, opts ...Option) (*Predictor, error) {
	o := options{parallelism: engine.DefaultParallelism()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = fallback.NewRegistry()
	}

	p, err := build(ctx, initNet, predictNet, o)
	if err != nil {
		var initErr *InitializationError
		if !errors.As(err, &initErr) {
			err = &InitializationError{Stage: "loading", Err: err}
		}
		return nil, err
	}
	return p, nil
}

func stage(name string, err error) error {
	return &InitializationError{Stage: name, Err: err}
}

func build(ctx context.Context, initNet, predictNet []byte, o options) (*Predictor, error) {
	log := klog.FromContext(ctx)
	start := time.Now()

	initDef, err := graph.Parse(initNet)
	if err != nil {
		return nil, stage("parsing init graph", err)
	}
	predictDef, err := graph.Parse(predictNet)
	if err != nil {
		return nil, stage("parsing predict graph", err)
	}

	initKernels, err := o.registry.CompileAll(initDef)
	if err != nil {
		return nil, stage("compiling init graph", err)
	}
	predictKernels, err := o.registry.CompileAll(predictDef)
	if err != nil {
		return nil, stage("compiling predict graph", err)
	}

	weights := tensor.NewStore()
	if err := loadConstants(weights, initDef); err != nil {
		return nil, stage("loading init constants", err)
	}
	for _, name := range initDef.ExternalInputs {
		if !weights.Has(name) {
			return nil, stage("checking init graph", &tensor.UnknownTensorError{Name: name})
		}
	}
	if err := initDef.Validate(nil); err != nil {
		return nil, stage("checking init graph", err)
	}
	if err := runInit(ctx, weights, initDef, initKernels, o.parallelism); err != nil {
		return nil, stage("running init graph", err)
	}
	if err := loadConstants(weights, predictDef); err != nil {
		return nil, stage("loading predict constants", err)
	}
	weights.Freeze()

	inputs, err := dataInputs(predictDef, weights, o.inputNames)
	if err != nil {
		return nil, stage("resolving inputs", err)
	}
	fed := make(map[string]bool, len(inputs))
	for _, name := range inputs {
		fed[name] = true
	}
	if err := predictDef.Validate(func(name string) bool { return fed[name] || weights.Has(name) }); err != nil {
		return nil, stage("checking predict graph", err)
	}
	for _, op := range predictDef.Operations {
		for _, name := range op.Outputs {
			if weights.Has(name) {
				return nil, stage("checking predict graph", fmt.Errorf("op %s writes weight %q: %w", op.Label(), name, tensor.ErrReadOnly))
			}
		}
	}
	outputs, err := graphOutputs(predictDef)
	if err != nil {
		return nil, stage("resolving outputs", err)
	}

	p := &Predictor{
		name:        predictDef.Name,
		parallelism: max(o.parallelism, 1),
		ops:         predictDef.Operations,
		kernels:     predictKernels,
		drops:       engine.PlanLifetimes(predictDef.Operations, inputs, outputs),
		inputs:      inputs,
		outputs:     outputs,
		weights:     weights,
		arena:       tensor.NewArena(),
	}
	log.Info("Loaded model",
		"name", p.name,
		"inputs", p.inputs,
		"outputs", p.outputs,
		"operations", len(p.ops),
		"weights", weights.Len(),
		"weightBytes", weights.SizeInBytes(),
		"elapsed", time.Since(start))
	return p, nil
}

func loadConstants(weights *tensor.Store, def *graph.Definition) error {
	for _, c := range def.Constants {
		if weights.Has(c.Name) {
			return fmt.Errorf("constant %q is defined twice", c.Name)
		}
		if err := weights.Set(c.Name, c.Tensor); err != nil {
			return err
		}
	}
	return nil
}

// runInit executes the init graph directly into the weights store. Every value it produces,
// intermediates included, becomes a weight.
func runInit(ctx context.Context, weights *tensor.Store, def *graph.Definition, kernels []engine.Kernel, parallelism int) error {
	log := klog.FromContext(ctx)
	scope := engine.NewScope(ctx, nil, parallelism)
	for i, op := range def.Operations {
		outputs, err := runOp(scope, weights, op, kernels[i])
		if err != nil {
			return err
		}
		for j, name := range op.Outputs {
			if err := weights.Set(name, outputs[j]); err != nil {
				return &ExecutionError{Index: op.Index, Op: op.Label(), Type: op.Type, Err: err}
			}
		}
		log.V(4).Info("Ran init operation", "op", op.Label(), "outputs", op.Outputs)
	}
	// Weights now own their buffers; nothing is handed back.
	scope.ReleaseExcept()
	return nil
}

// runOp gathers the inputs of op from store and runs its kernel.
func runOp(scope *engine.Scope, store *tensor.Store, op *graph.Operation, kernel engine.Kernel) ([]*tensor.Tensor, error) {
	fail := func(err error) error {
		return &ExecutionError{Index: op.Index, Op: op.Label(), Type: op.Type, Err: err}
	}
	inputs := make([]*tensor.Tensor, len(op.Inputs))
	for i, name := range op.Inputs {
		t, err := store.Get(name)
		if err != nil {
			return nil, fail(err)
		}
		inputs[i] = t
	}
	outputs, err := kernel.Run(scope, inputs)
	if err != nil {
		return nil, fail(err)
	}
	if len(outputs) != len(op.Outputs) {
		return nil, fail(fmt.Errorf("kernel produced %d outputs, want %d", len(outputs), len(op.Outputs)))
	}
	return outputs, nil
}

// dataInputs returns the names fed on every run: the explicit names, or else the external
// inputs the weights do not cover.
func dataInputs(def *graph.Definition, weights *tensor.Store, explicit []string) ([]string, error) {
	if explicit != nil {
		seen := make(map[string]bool, len(explicit))
		for _, name := range explicit {
			if name == "" {
				return nil, fmt.Errorf("empty input name")
			}
			if seen[name] {
				return nil, fmt.Errorf("input %q named twice", name)
			}
			if weights.Has(name) {
				return nil, fmt.Errorf("input %q is a weight: %w", name, tensor.ErrReadOnly)
			}
			seen[name] = true
		}
		for _, name := range def.ExternalInputs {
			if !seen[name] && !weights.Has(name) {
				return nil, fmt.Errorf("external input %q is neither fed nor a weight: %w", name, &tensor.UnknownTensorError{Name: name})
			}
		}
		return slices.Clone(explicit), nil
	}
	var inputs []string
	for _, name := range def.ExternalInputs {
		if !weights.Has(name) && !slices.Contains(inputs, name) {
			inputs = append(inputs, name)
		}
	}
	return inputs, nil
}

// graphOutputs returns the declared external outputs, or the first output of the last operation.
func graphOutputs(def *graph.Definition) ([]string, error) {
	if len(def.ExternalOutputs) != 0 {
		outputs := make([]string, 0, len(def.ExternalOutputs))
		for _, name := range def.ExternalOutputs {
			if !slices.Contains(outputs, name) {
				outputs = append(outputs, name)
			}
		}
		return outputs, nil
	}
	if len(def.Operations) == 0 {
		return nil, fmt.Errorf("predict graph has no operations and declares no outputs")
	}
	last := def.Operations[len(def.Operations)-1]
	return []string{last.Outputs[0]}, nil
}

func (p *Predictor) Name() string {
	return p.name
}

func (p *Predictor) InputNames() []string {
	return slices.Clone(p.inputs)
}

func (p *Predictor) OutputNames() []string {
	return slices.Clone(p.outputs)
}

// WeightNames lists the loaded weights, sorted. It is empty once the predictor is closed.
func (p *Predictor) WeightNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	return p.weights.Names()
}

// Weight returns a copy of a loaded weight.
func (p *Predictor) Weight(name string) (*tensor.Tensor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, engine.ErrClosed
	}
	t, err := p.weights.Get(name)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Info summarizes the model for the ModelInfo RPC.
func (p *Predictor) Info() *api.ModelInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info := &api.ModelInfo{
		Name:    p.name,
		Inputs:  p.InputNames(),
		Outputs: p.OutputNames(),
	}
	if !p.closed {
		info.Weights = int64(p.weights.Len())
		info.WeightBytes = int64(p.weights.SizeInBytes())
	}
	return info
}

// Run feeds x to a single-input graph and returns its single output.
func (p *Predictor) Run(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(p.inputs) != 1 || len(p.outputs) != 1 {
		return nil, &ExecutionError{Index: -1, Op: "run", Err: fmt.Errorf("model has %d inputs and %d outputs; use RunNamed", len(p.inputs), len(p.outputs))}
	}
	outputs, err := p.RunNamed(ctx, map[string]*tensor.Tensor{p.inputs[0]: x})
	if err != nil {
		return nil, err
	}
	return outputs[p.outputs[0]], nil
}

// RunNamed executes the predict graph once. The inputs are copied and never modified; the
// returned tensors belong to the caller.
func (p *Predictor) RunNamed(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, engine.ErrClosed
	}

	for name := range inputs {
		if !slices.Contains(p.inputs, name) {
			return nil, feedError(name, fmt.Errorf("not an input of the model: %w", &tensor.UnknownTensorError{Name: name}))
		}
	}

	r := &run{
		scope: engine.NewScope(ctx, p.arena, p.parallelism),
		store: p.weights.Child(),
		refs:  make(map[*float32]int),
	}
	outputs, err := p.execute(ctx, r, inputs)
	if err != nil {
		r.scope.ReleaseExcept()
		return nil, err
	}
	return outputs, nil
}

// run is the state of one pass: its allocations, its scratch store and how many store entries
// view each buffer.
type run struct {
	scope *engine.Scope
	store *tensor.Store
	refs  map[*float32]int
}

func bufferKey(t *tensor.Tensor) *float32 {
	data := t.Data()
	if cap(data) == 0 {
		return nil
	}
	return &data[:1][0]
}

func (r *run) set(name string, t *tensor.Tensor) error {
	if key := bufferKey(t); key != nil {
		r.refs[key]++
	}
	old, hadOld := r.store.Delete(name)
	if err := r.store.Set(name, t); err != nil {
		return err
	}
	if hadOld {
		r.release(old)
	}
	return nil
}

// release drops one reference to t's buffer, recycling it when no entry views it any more.
func (r *run) release(t *tensor.Tensor) {
	key := bufferKey(t)
	if key == nil {
		return
	}
	r.refs[key]--
	if r.refs[key] > 0 {
		return
	}
	delete(r.refs, key)
	r.scope.Recycle(t)
}

func (p *Predictor) execute(ctx context.Context, r *run, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	log := klog.FromContext(ctx)

	for _, name := range p.inputs {
		x, found := inputs[name]
		if !found {
			return nil, feedError(name, fmt.Errorf("input was not fed: %w", &tensor.UnknownTensorError{Name: name}))
		}
		in := r.scope.Alloc(x.Shape()...)
		copy(in.Data(), x.Data())
		if err := r.set(name, in); err != nil {
			return nil, feedError(name, err)
		}
	}

	verbose := log.V(4).Enabled()
	for i, op := range p.ops {
		start := time.Now()
		outputs, err := runOp(r.scope, r.store, op, p.kernels[i])
		if err != nil {
			return nil, err
		}
		for j, name := range op.Outputs {
			if err := r.set(name, outputs[j]); err != nil {
				return nil, &ExecutionError{Index: op.Index, Op: op.Label(), Type: op.Type, Err: err}
			}
		}
		for _, name := range p.drops[i] {
			if t, ok := r.store.Delete(name); ok {
				r.release(t)
			}
		}
		if verbose {
			log.V(4).Info("Ran operation", "op", op.Label(), "elapsed", time.Since(start))
		}
	}

	results := make(map[string]*tensor.Tensor, len(p.outputs))
	var handedOut []*tensor.Tensor
	for _, name := range p.outputs {
		t, err := r.store.Get(name)
		if err != nil {
			return nil, &ExecutionError{Index: -1, Op: fmt.Sprintf("output %q", name), Err: err}
		}
		// Weights, and buffers already given to another output, are copied.
		shared := slices.ContainsFunc(handedOut, t.SharesBuffer)
		if shared || !r.scope.Owns(t) {
			t = t.Clone()
		} else {
			handedOut = append(handedOut, t)
		}
		results[name] = t
	}
	r.scope.ReleaseExcept(handedOut...)
	return results, nil
}

// Close releases the weights and the buffer arena. Runs that started earlier finish first;
// later ones fail with engine.ErrClosed.
func (p *Predictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.weights.Clear()
	p.arena.Release()
	return nil
}

// Closed reports whether Close has been called.
func (p *Predictor) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
