package fallback_test

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/engine/fallback"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

func compile(t *testing.T, opType string, inputs, outputs []string, args ...*api.Argument) (engine.Kernel, error) {
	t.Helper()
	def, err := graph.FromProto(graph.NewBuilder("test").Op(opType, inputs, outputs, args...).NetDef())
	require.NoError(t, err)
	return fallback.NewRegistry().Compile(def.Operations[0])
}

func mustCompile(t *testing.T, opType string, inputs, outputs []string, args ...*api.Argument) engine.Kernel {
	t.Helper()
	k, err := compile(t, opType, inputs, outputs, args...)
	require.NoError(t, err)
	return k
}

func run(t *testing.T, k engine.Kernel, inputs ...*tensor.Tensor) []*tensor.Tensor {
	t.Helper()
	outputs, err := k.Run(engine.NewScope(context.Background(), tensor.NewArena(), 3), inputs)
	require.NoError(t, err)
	return outputs
}

func random(seed uint64, shape ...int) *tensor.Tensor {
	r := rand.New(rand.NewPCG(seed, seed+1))
	data := make([]float32, tensor.NumberOfElements(shape...))
	for i := range data {
		data[i] = float32(r.NormFloat64())
	}
	return tensor.MustNew(shape, data)
}

func requireClose(t *testing.T, want, got *tensor.Tensor) {
	t.Helper()
	require.NoError(t, tensor.Compare(got, want, tensor.DefaultTolerance, tensor.DefaultTolerance))
}

type geometry struct {
	kernel, stride, pad int
}

// referenceConv is the direct definition of a grouped convolution.
func referenceConv(x, w *tensor.Tensor, bias []float32, group int, g geometry) *tensor.Tensor {
	n, c, h, wd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	m, cg := w.Dim(0), w.Dim(1)
	outH := (h+2*g.pad-g.kernel)/g.stride + 1
	outW := (wd+2*g.pad-g.kernel)/g.stride + 1
	out := tensor.Zeros(n, m, outH, outW)
	xd, wdata, od := x.Data(), w.Data(), out.Data()
	mg := m / group
	for b := 0; b < n; b++ {
		for f := 0; f < m; f++ {
			grp := f / mg
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var acc float64
					for ci := 0; ci < cg; ci++ {
						ch := grp*cg + ci
						for kh := 0; kh < g.kernel; kh++ {
							for kw := 0; kw < g.kernel; kw++ {
								ih, iw := oh*g.stride-g.pad+kh, ow*g.stride-g.pad+kw
								if ih < 0 || ih >= h || iw < 0 || iw >= wd {
									continue
								}
								acc += float64(xd[((b*c+ch)*h+ih)*wd+iw]) * float64(wdata[((f*cg+ci)*g.kernel+kh)*g.kernel+kw])
							}
						}
					}
					if bias != nil {
						acc += float64(bias[f])
					}
					od[((b*m+f)*outH+oh)*outW+ow] = float32(acc)
				}
			}
		}
	}
	return out
}

func TestConvMatchesReference(t *testing.T) {
	for _, tc := range []struct {
		name     string
		batch    int
		channels int
		filters  int
		size     int
		group    int
		geometry geometry
		bias     bool
	}{
		{name: "pointwise", batch: 2, channels: 8, filters: 4, size: 5, group: 1, geometry: geometry{1, 1, 0}, bias: true},
		{name: "3x3 padded", batch: 1, channels: 3, filters: 6, size: 7, group: 1, geometry: geometry{3, 1, 1}, bias: true},
		{name: "strided", batch: 2, channels: 3, filters: 4, size: 9, group: 1, geometry: geometry{3, 2, 0}},
		{name: "grouped", batch: 2, channels: 4, filters: 6, size: 6, group: 2, geometry: geometry{3, 1, 1}, bias: true},
		{name: "depthwise", batch: 1, channels: 4, filters: 4, size: 5, group: 4, geometry: geometry{3, 2, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := tc.geometry
			x := random(1, tc.batch, tc.channels, tc.size, tc.size)
			w := random(2, tc.filters, tc.channels/tc.group, g.kernel, g.kernel)
			inputs := []string{"x", "w"}
			fed := []*tensor.Tensor{x, w}
			var bias []float32
			if tc.bias {
				b := random(3, tc.filters)
				bias = b.Data()
				inputs = append(inputs, "b")
				fed = append(fed, b)
			}
			k := mustCompile(t, "Conv", inputs, []string{"y"},
				graph.IntArg("kernel", g.kernel), graph.IntArg("stride", g.stride), graph.IntArg("pad", g.pad), graph.IntArg("group", tc.group))
			got := run(t, k, fed...)
			requireClose(t, referenceConv(x, w, bias, tc.group, g), got[0])
		})
	}
}

func TestConvInfersKernelFromWeights(t *testing.T) {
	x := random(4, 1, 2, 4, 4)
	w := random(5, 3, 2, 2, 2)
	got := run(t, mustCompile(t, "Conv", []string{"x", "w"}, []string{"y"}), x, w)
	requireClose(t, referenceConv(x, w, nil, 1, geometry{2, 1, 0}), got[0])
}

func TestConvRejectsBadShapes(t *testing.T) {
	k := mustCompile(t, "Conv", []string{"x", "w", "b"}, []string{"y"})
	scope := engine.NewScope(context.Background(), nil, 1)
	var mismatch *tensor.ShapeMismatchError

	_, err := k.Run(scope, []*tensor.Tensor{random(1, 1, 3, 4, 4), random(2, 2, 2, 3, 3), tensor.Zeros(2)})
	require.ErrorAs(t, err, &mismatch)

	_, err = k.Run(scope, []*tensor.Tensor{random(1, 1, 2, 4, 4), random(2, 2, 2, 3, 3), tensor.Zeros(3)})
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "b", mismatch.Name)

	_, err = k.Run(scope, []*tensor.Tensor{random(1, 1, 2, 2, 2), random(2, 2, 2, 3, 3), tensor.Zeros(2)})
	require.ErrorAs(t, err, &mismatch)

	_, err = k.Run(scope, []*tensor.Tensor{random(1, 2, 4, 4), random(2, 2, 2, 3, 3), tensor.Zeros(2)})
	require.ErrorAs(t, err, &mismatch)
}

// referencePool is the direct definition of 2D pooling with independent per-side padding.
func referencePool(x *tensor.Tensor, kernel, stride, pad, outH, outW int, average, countPad bool) *tensor.Tensor {
	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := tensor.Zeros(n, c, outH, outW)
	xd, od := x.Data(), out.Data()
	for p := 0; p < n*c; p++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				best := math.Inf(-1)
				var sum float64
				count, padded := 0, 0
				for kh := 0; kh < kernel; kh++ {
					for kw := 0; kw < kernel; kw++ {
						ih, iw := oh*stride-pad+kh, ow*stride-pad+kw
						if ih >= h+pad || iw >= w+pad {
							continue
						}
						padded++
						if ih < 0 || ih >= h || iw < 0 || iw >= w {
							continue
						}
						v := float64(xd[(p*h+ih)*w+iw])
						best = math.Max(best, v)
						sum += v
						count++
					}
				}
				v := best
				if average {
					if countPad {
						count = padded
					}
					v = sum / float64(count)
				}
				od[(p*outH+oh)*outW+ow] = float32(v)
			}
		}
	}
	return out
}

func TestPoolMatchesReference(t *testing.T) {
	x := random(7, 2, 3, 7, 7)

	t.Run("max", func(t *testing.T) {
		got := run(t, mustCompile(t, "MaxPool", []string{"x"}, []string{"y"}, graph.IntArg("kernel", 3), graph.IntArg("stride", 2)), x)
		require.Equal(t, []int{2, 3, 3, 3}, got[0].Shape())
		requireClose(t, referencePool(x, 3, 2, 0, 3, 3, false, false), got[0])
	})

	t.Run("max ceil", func(t *testing.T) {
		y := random(8, 1, 2, 6, 6)
		got := run(t, mustCompile(t, "MaxPool", []string{"x"}, []string{"y"},
			graph.IntArg("kernel", 3), graph.IntArg("stride", 2), graph.IntArg("legacy_pad", 3)), y)
		// floor would give 2; the partial last window is kept.
		require.Equal(t, []int{1, 2, 3, 3}, got[0].Shape())
		requireClose(t, referencePool(y, 3, 2, 0, 3, 3, false, false), got[0])
	})

	t.Run("average excludes padding", func(t *testing.T) {
		got := run(t, mustCompile(t, "AveragePool", []string{"x"}, []string{"y"},
			graph.IntArg("kernel", 3), graph.IntArg("stride", 1), graph.IntArg("pad", 1)), x)
		requireClose(t, referencePool(x, 3, 1, 1, 7, 7, true, false), got[0])
	})

	t.Run("average counts padding", func(t *testing.T) {
		got := run(t, mustCompile(t, "AveragePool", []string{"x"}, []string{"y"},
			graph.IntArg("kernel", 3), graph.IntArg("stride", 1), graph.IntArg("pad", 1), graph.IntArg("count_include_pad", 1)), x)
		requireClose(t, referencePool(x, 3, 1, 1, 7, 7, true, true), got[0])
	})

	t.Run("global", func(t *testing.T) {
		got := run(t, mustCompile(t, "AveragePool", []string{"x"}, []string{"y"}, graph.IntArg("global_pooling", 1)), x)
		require.Equal(t, []int{2, 3, 1, 1}, got[0].Shape())
		requireClose(t, referencePool(x, 7, 1, 0, 1, 1, true, false), got[0])
	})
}

func TestMaxPoolPropagatesNaN(t *testing.T) {
	x := tensor.MustNew([]int{1, 1, 2, 2}, []float32{1, float32(math.NaN()), 3, 2})
	got := run(t, mustCompile(t, "MaxPool", []string{"x"}, []string{"y"}, graph.IntArg("kernel", 2)), x)
	require.True(t, math.IsNaN(float64(got[0].Data()[0])))
}

func TestRelu(t *testing.T) {
	nan := float32(math.NaN())
	x := tensor.MustNew([]int{5}, []float32{-1, 0, 2, nan, float32(math.Inf(-1))})
	got := run(t, mustCompile(t, "Relu", []string{"x"}, []string{"x"}), x)[0]
	require.Equal(t, []float32{0, 0, 2}, got.Data()[:3])
	require.True(t, math.IsNaN(float64(got.Data()[3])))
	require.Zero(t, got.Data()[4])
	require.False(t, got.SharesBuffer(x))
	require.Equal(t, float32(-1), x.Data()[0])
}

func TestRegistryRejectsUnsupportedAttributes(t *testing.T) {
	for _, tc := range []struct {
		name    string
		opType  string
		inputs  []string
		outputs []string
		args    []*api.Argument
	}{
		{"conv NHWC", "Conv", []string{"x", "w"}, []string{"y"}, []*api.Argument{graph.StringArg("order", "NHWC")}},
		{"conv dilation", "Conv", []string{"x", "w"}, []string{"y"}, []*api.Argument{graph.IntArg("dilation", 2)}},
		{"conv pad forms", "Conv", []string{"x", "w"}, []string{"y"}, []*api.Argument{graph.IntArg("pad", 1), graph.IntArg("pad_t", 1)}},
		{"conv one input", "Conv", []string{"x"}, []string{"y"}, nil},
		{"maxpool no kernel", "MaxPool", []string{"x"}, []string{"y"}, nil},
		{"maxpool count_include_pad", "MaxPool", []string{"x"}, []string{"y"}, []*api.Argument{graph.IntArg("kernel", 2), graph.IntArg("count_include_pad", 1)}},
		{"pool legacy pad", "AveragePool", []string{"x"}, []string{"y"}, []*api.Argument{graph.IntArg("kernel", 2), graph.IntArg("legacy_pad", 1)}},
		{"add broadcast", "Add", []string{"a", "b"}, []string{"y"}, []*api.Argument{graph.IntArg("broadcast", 1)}},
		{"add axis", "Add", []string{"a", "b"}, []string{"y"}, []*api.Argument{graph.IntArg("axis", 1)}},
		{"add three inputs", "Add", []string{"a", "b", "c"}, []string{"y"}, nil},
		{"dropout training", "Dropout", []string{"x"}, []string{"y"}, []*api.Argument{graph.IntArg("is_test", 0)}},
		{"dropout ratio", "Dropout", []string{"x"}, []string{"y"}, []*api.Argument{graph.FloatArg("ratio", 1)}},
		{"concat add_axis", "Concat", []string{"a", "b"}, []string{"y"}, []*api.Argument{graph.IntArg("add_axis", 1)}},
		{"reshape two inferred", "Reshape", []string{"x"}, []string{"y"}, []*api.Argument{graph.IntsArg("shape", -1, -1)}},
		{"reshape no shape", "Reshape", []string{"x"}, []string{"y"}, nil},
		{"fill without shape", "GivenTensorFill", nil, []string{"y"}, []*api.Argument{graph.FloatsArg("values", 1)}},
		{"fill wrong count", "GivenTensorFill", nil, []string{"y"}, []*api.Argument{graph.IntsArg("shape", 2), graph.FloatsArg("values", 1)}},
		{"constant fill int64", "ConstantFill", nil, []string{"y"}, []*api.Argument{graph.IntsArg("shape", 2), graph.IntArg("dtype", int(api.DataTypeInt64))}},
		{"constant fill extra_shape", "ConstantFill", []string{"x"}, []string{"y"}, []*api.Argument{graph.IntsArg("extra_shape", 2)}},
		{"unknown type", "LRN", []string{"x"}, []string{"y"}, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := compile(t, tc.opType, tc.inputs, tc.outputs, tc.args...)
			var unsupported *engine.UnsupportedOperationError
			require.ErrorAs(t, err, &unsupported)
			require.Equal(t, tc.opType, unsupported.Type)
		})
	}
}
