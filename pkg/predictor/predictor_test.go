package predictor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/predictor/pkg/classify"
	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/squeezenet"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

func marshal(t *testing.T, b *graph.Builder) []byte {
	t.Helper()
	out, err := b.Marshal()
	require.NoError(t, err)
	return out
}

// weightsNet fills w with [1,1,2,2] ones and b with a single -1.
func weightsNet(t *testing.T) []byte {
	return marshal(t, graph.NewBuilder("init").
		Op("GivenTensorFill", nil, []string{"w"}, graph.IntsArg("shape", 1, 1, 2, 2), graph.FloatsArg("values", 1, 1, 1, 1)).
		Op("ConstantFill", nil, []string{"b"}, graph.IntsArg("shape", 1), graph.FloatArg("value", -1)).
		ExternalOutput("w", "b"))
}

func boxFilterNet(t *testing.T) []byte {
	return marshal(t, graph.NewBuilder("box").
		Op("Conv", []string{"data", "w", "b"}, []string{"y"}).
		Op("Relu", []string{"y"}, []string{"y"}).
		Op("Flatten", []string{"y"}, []string{"flat"}).
		ExternalInput("data", "w", "b").
		ExternalOutput("flat"))
}

func newBoxFilter(t *testing.T, opts ...Option) *Predictor {
	t.Helper()
	p, err := New(context.Background(), weightsNet(t), boxFilterNet(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRunBoxFilter(t *testing.T) {
	p := newBoxFilter(t)
	require.Equal(t, "box", p.Name())
	require.Equal(t, []string{"data"}, p.InputNames())
	require.Equal(t, []string{"flat"}, p.OutputNames())
	require.Equal(t, []string{"b", "w"}, p.WeightNames())

	x := tensor.MustNew([]int{2, 1, 2, 3}, []float32{
		1, 2, 3,
		4, 5, 6,

		0, 0, 0,
		0, 1, 0,
	})
	before := x.Clone()
	y, err := p.Run(context.Background(), x)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, y.Shape())
	require.Equal(t, []float32{11, 15, 0, 0}, y.Data())
	require.True(t, tensor.Equal(before, x), "inputs must not be modified")

	info := p.Info()
	require.Equal(t, "box", info.Name)
	require.EqualValues(t, 2, info.Weights)
	require.EqualValues(t, 4*5, info.WeightBytes)
}

// smallSqueezeNet is a 10-class network sized for 32x32 images.
func smallSqueezeNet(t *testing.T, opts ...Option) *Predictor {
	t.Helper()
	initNet, predictNet, err := squeezenet.Marshal(squeezenet.Options{Classes: 10, Seed: 7})
	require.NoError(t, err)
	p, err := New(context.Background(), initNet, predictNet, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func image(seed int) *tensor.Tensor {
	x := tensor.Zeros(1, 3, 32, 32)
	for i := range x.Data() {
		x.Data()[i] = float32((i*(seed+3))%17) / 17
	}
	return x
}

func TestConcurrentRunsMatchSequentialRuns(t *testing.T) {
	p := smallSqueezeNet(t, WithParallelism(4))
	ctx := context.Background()

	const runs = 16
	want := make([]*tensor.Tensor, runs)
	for i := range want {
		y, err := p.Run(ctx, image(i))
		require.NoError(t, err)
		want[i] = y
	}
	require.False(t, tensor.Equal(want[0], want[1]), "inputs should give different outputs")

	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Run(ctx, image(i))
			if err != nil {
				errs <- err
				return
			}
			if !tensor.Equal(want[i], got) {
				errs <- fmt.Errorf("concurrent run %d differs from its sequential run", i)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestRunsLeaveWeightsUnchanged(t *testing.T) {
	p := smallSqueezeNet(t, WithParallelism(3))
	ctx := context.Background()

	names := p.WeightNames()
	require.NotEmpty(t, names)
	before := make(map[string]*tensor.Tensor, len(names))
	for _, name := range names {
		w, err := p.Weight(name)
		require.NoError(t, err)
		before[name] = w
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx, image(i))
		}()
	}
	wg.Wait()
	_, err := p.Run(ctx, tensor.Zeros(1, 1, 32, 32))
	require.Error(t, err)
	_, err = p.Run(ctx, tensor.Zeros(2, 3, 1, 1))
	require.Error(t, err)
	_, err = p.RunNamed(ctx, map[string]*tensor.Tensor{"conv1_w": tensor.Zeros(1)})
	require.Error(t, err)
	_, err = p.RunNamed(ctx, map[string]*tensor.Tensor{})
	require.Error(t, err)
	batch := tensor.Zeros(2, 3, 32, 32)
	copy(batch.Data(), image(1).Data())
	_, err = p.Run(ctx, batch)
	require.NoError(t, err)

	require.Equal(t, names, p.WeightNames())
	for _, name := range names {
		w, err := p.Weight(name)
		require.NoError(t, err)
		if !tensor.Equal(before[name], w) {
			t.Errorf("weight %q changed", name)
		}
	}
}

func TestWeightsAreImmutable(t *testing.T) {
	p := newBoxFilter(t)
	w, err := p.Weight("w")
	require.NoError(t, err)
	w.Data()[0] = 100

	again, err := p.Weight("w")
	require.NoError(t, err)
	require.Equal(t, float32(1), again.Data()[0])

	_, err = p.Weight("missing")
	var unknown *tensor.UnknownTensorError
	require.ErrorAs(t, err, &unknown)
}

func TestOutputsNeverAliasWeightsOrEachOther(t *testing.T) {
	initNet := weightsNet(t)
	predictNet := marshal(t, graph.NewBuilder("alias").
		Op("Relu", []string{"data"}, []string{"r"}).
		Op("Dropout", []string{"r"}, []string{"d"}).
		ExternalInput("data").
		ExternalOutput("r", "d", "w"))
	p, err := New(context.Background(), initNet, predictNet)
	require.NoError(t, err)
	defer p.Close()

	outputs, err := p.RunNamed(context.Background(), map[string]*tensor.Tensor{
		"data": tensor.MustNew([]int{2}, []float32{-1, 2}),
	})
	require.NoError(t, err)
	require.Equal(t, []float32{0, 2}, outputs["r"].Data())
	require.Equal(t, []float32{0, 2}, outputs["d"].Data())
	require.False(t, outputs["r"].SharesBuffer(outputs["d"]))

	outputs["w"].Data()[0] = 42
	w, err := p.Weight("w")
	require.NoError(t, err)
	require.Equal(t, float32(1), w.Data()[0])

	_, err = p.Run(context.Background(), tensor.MustNew([]int{2}, []float32{-1, 2}))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, -1, execErr.Index)
}

func TestInPlaceOnFedInput(t *testing.T) {
	predictNet := marshal(t, graph.NewBuilder("inplace").
		Op("Relu", []string{"data"}, []string{"data"}).
		Op("Sum", []string{"data", "data"}, []string{"twice"}).
		ExternalInput("data"))
	p, err := New(context.Background(), weightsNet(t), predictNet)
	require.NoError(t, err)
	defer p.Close()

	x := tensor.MustNew([]int{3}, []float32{-1, 0.5, 2})
	y, err := p.Run(context.Background(), x)
	require.NoError(t, err)
	require.Equal(t, []float32{0, 1, 4}, y.Data())
	require.Equal(t, float32(-1), x.Data()[0])
}

func TestRunFailures(t *testing.T) {
	p := newBoxFilter(t)
	ctx := context.Background()

	_, err := p.Run(ctx, tensor.Zeros(1, 2, 3, 3))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, 0, execErr.Index)
	require.Equal(t, "Conv", execErr.Type)
	var mismatch *tensor.ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)

	_, err = p.RunNamed(ctx, map[string]*tensor.Tensor{"w": tensor.Zeros(1)})
	var unknown *tensor.UnknownTensorError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "w", unknown.Name)
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, -1, execErr.Index)
	require.Contains(t, execErr.Op, `"w"`)

	_, err = p.RunNamed(ctx, map[string]*tensor.Tensor{})
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "data", unknown.Name)
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, -1, execErr.Index)
	require.Equal(t, codes.InvalidArgument, status.Code(engine.StatusFromError(err)))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Run(canceled, tensor.Zeros(1, 1, 2, 2))
	require.ErrorIs(t, err, context.Canceled)

	// A failed run leaves the predictor usable.
	y, err := p.Run(ctx, tensor.MustNew([]int{1, 1, 2, 2}, []float32{1, 1, 1, 1}))
	require.NoError(t, err)
	require.Equal(t, []float32{3}, y.Data())
}

func TestClose(t *testing.T) {
	p := newBoxFilter(t)
	require.False(t, p.Closed())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.True(t, p.Closed())

	_, err := p.Run(context.Background(), tensor.Zeros(1, 1, 2, 2))
	require.ErrorIs(t, err, engine.ErrClosed)
	_, err = p.Weight("w")
	require.ErrorIs(t, err, engine.ErrClosed)
	require.Empty(t, p.WeightNames())
	require.Zero(t, p.Info().Weights)
}

func TestNewFailures(t *testing.T) {
	for _, tc := range []struct {
		name    string
		init    func(t *testing.T) []byte
		predict func(t *testing.T) []byte
		opts    []Option
		check   func(t *testing.T, err error)
	}{
		{
			name:    "malformed predict graph",
			init:    weightsNet,
			predict: func(t *testing.T) []byte { return []byte{0xff, 0xff, 0xff} },
			check: func(t *testing.T, err error) {
				require.True(t, graph.IsMalformed(err))
			},
		},
		{
			name: "unknown operation",
			init: weightsNet,
			predict: func(t *testing.T) []byte {
				return marshal(t, graph.NewBuilder("p").Op("LRN", []string{"data"}, []string{"y"}).ExternalInput("data"))
			},
			check: func(t *testing.T, err error) {
				var unsupported *engine.UnsupportedOperationError
				require.ErrorAs(t, err, &unsupported)
				require.Equal(t, "LRN", unsupported.Type)
			},
		},
		{
			name: "unknown input",
			init: weightsNet,
			predict: func(t *testing.T) []byte {
				return marshal(t, graph.NewBuilder("p").Op("Add", []string{"data", "nowhere"}, []string{"y"}).ExternalInput("data"))
			},
			check: func(t *testing.T, err error) {
				var unknown *tensor.UnknownTensorError
				require.ErrorAs(t, err, &unknown)
				require.Equal(t, "nowhere", unknown.Name)
				var order *graph.OrderError
				require.ErrorAs(t, err, &order)
			},
		},
		{
			name: "used before produced",
			init: weightsNet,
			predict: func(t *testing.T) []byte {
				return marshal(t, graph.NewBuilder("p").
					Op("Relu", []string{"later"}, []string{"y"}).
					Op("Relu", []string{"data"}, []string{"later"}).
					ExternalInput("data"))
			},
			check: func(t *testing.T, err error) {
				var order *graph.OrderError
				require.ErrorAs(t, err, &order)
				require.Equal(t, 0, order.Index)
			},
		},
		{
			name: "writes a weight",
			init: weightsNet,
			predict: func(t *testing.T) []byte {
				return marshal(t, graph.NewBuilder("p").Op("Relu", []string{"data"}, []string{"w"}).ExternalInput("data"))
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, tensor.ErrReadOnly)
			},
		},
		{
			name: "init graph reads a missing input",
			init: func(t *testing.T) []byte {
				return marshal(t, graph.NewBuilder("i").Op("Copy", []string{"seed"}, []string{"w"}).ExternalInput("seed"))
			},
			predict: boxFilterNet,
			check: func(t *testing.T, err error) {
				var unknown *tensor.UnknownTensorError
				require.ErrorAs(t, err, &unknown)
				require.Equal(t, "seed", unknown.Name)
			},
		},
		{
			name:    "explicit input names a weight",
			init:    weightsNet,
			predict: boxFilterNet,
			opts:    []Option{WithInputNames("data", "w")},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, tensor.ErrReadOnly)
			},
		},
		{
			name: "init graph fails to run",
			init: func(t *testing.T) []byte {
				return marshal(t, graph.NewBuilder("i").
					Op("ConstantFill", nil, []string{"a"}, graph.IntsArg("shape", 2)).
					Op("ConstantFill", nil, []string{"b"}, graph.IntsArg("shape", 3)).
					Op("Add", []string{"a", "b"}, []string{"c"}))
			},
			predict: boxFilterNet,
			check: func(t *testing.T, err error) {
				var execErr *ExecutionError
				require.ErrorAs(t, err, &execErr)
				require.Equal(t, 2, execErr.Index)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(context.Background(), tc.init(t), tc.predict(t), tc.opts...)
			require.Nil(t, p)
			var initErr *InitializationError
			require.ErrorAs(t, err, &initErr)
			tc.check(t, err)
		})
	}
}

func TestSqueezeNet(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size network")
	}
	initNet, predictNet, err := squeezenet.Marshal(squeezenet.DefaultOptions())
	require.NoError(t, err)
	p, err := New(context.Background(), initNet, predictNet)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, []string{squeezenet.InputName}, p.InputNames())
	require.Equal(t, []string{squeezenet.OutputName}, p.OutputNames())

	x := tensor.Zeros(1, squeezenet.Channels, squeezenet.ImageSize, squeezenet.ImageSize)
	for i := range x.Data() {
		x.Data()[i] = float32(i%255) / 255
	}
	y, err := p.Run(context.Background(), x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1000}, y.Shape())

	// Unnormalized scores after the final relu and pooling.
	distinct := make(map[float32]bool)
	for _, v := range y.Data() {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		require.GreaterOrEqual(t, v, float32(0))
		distinct[v] = true
	}
	require.Greater(t, len(distinct), 1)

	again, err := p.Run(context.Background(), x)
	require.NoError(t, err)
	require.True(t, tensor.Equal(y, again))
}

func TestSqueezeNetSmallImageBatch(t *testing.T) {
	opts := squeezenet.DefaultOptions()
	opts.Classes = 10
	opts.Half = true
	initNet, predictNet, err := squeezenet.Marshal(opts)
	require.NoError(t, err)
	p, err := New(context.Background(), initNet, predictNet, WithParallelism(2))
	require.NoError(t, err)
	defer p.Close()

	x := tensor.Zeros(2, 3, 64, 64)
	for i := range x.Data() {
		x.Data()[i] = float32(i%7) / 7
	}
	y, err := p.Run(context.Background(), x)
	require.NoError(t, err)
	require.Equal(t, []int{2, 10}, y.Shape())

	// Each batch row matches running that sample alone.
	sample := tensor.MustNew([]int{1, 3, 64, 64}, append([]float32(nil), x.Data()[3*64*64:]...))
	alone, err := p.Run(context.Background(), sample)
	require.NoError(t, err)
	second := tensor.MustNew([]int{1, 10}, append([]float32(nil), y.Data()[10:]...))
	require.True(t, tensor.AllClose(alone, second, tensor.DefaultTolerance, tensor.DefaultTolerance))
}

func TestSqueezeNetSoftmaxOutput(t *testing.T) {
	opts := squeezenet.Options{Classes: 10, Seed: 2}
	x := tensor.Zeros(1, 3, 48, 48)
	for i := range x.Data() {
		x.Data()[i] = float32(i%11) / 11
	}

	predict := func(opts squeezenet.Options) *tensor.Tensor {
		initNet, predictNet, err := squeezenet.Marshal(opts)
		require.NoError(t, err)
		p, err := New(context.Background(), initNet, predictNet)
		require.NoError(t, err)
		defer p.Close()
		require.Equal(t, []string{opts.Output()}, p.OutputNames())
		y, err := p.Run(context.Background(), x)
		require.NoError(t, err)
		return y
	}

	scores := predict(opts)
	opts.Softmax = true
	probabilities := predict(opts)

	want, err := classify.Softmax(scores)
	require.NoError(t, err)
	require.NoError(t, tensor.Compare(probabilities, want, tensor.DefaultTolerance, tensor.DefaultTolerance))
}
