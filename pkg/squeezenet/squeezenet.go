// Package squeezenet builds a SqueezeNet 1.1 image classifier as an init/predict graph pair,
// with reproducible pseudo-random weights. It stands in for an exported model wherever a
// full-size network is needed without downloading one.
package squeezenet

import (
	"fmt"
	"math"
	"math/rand/v2"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

const (
	InputName = "data"
	// OutputName holds the unnormalized class scores, [batch, classes].
	OutputName = "pool10/flat"
	// ProbabilitiesName replaces OutputName when Options.Softmax is set.
	ProbabilitiesName = "softmaxout"

	ImageSize = 224
	Channels  = 3
)

type Options struct {
	// Classes is the width of the final layer; 1000 for ImageNet.
	Classes int
	Seed    uint64
	// Half stores the weights as FLOAT16 fills.
	Half bool
	// Softmax appends a Softmax so the graph outputs probabilities instead of scores.
	Softmax bool
}

// Output is the name of the predict graph's output.
func (o Options) Output() string {
	if o.Softmax {
		return ProbabilitiesName
	}
	return OutputName
}

func DefaultOptions() Options {
	return Options{Classes: 1000, Seed: 1}
}

type fire struct {
	squeeze, expand1x1, expand3x3 int
}

// Layer widths of SqueezeNet 1.1.
var fires = []fire{
	{16, 64, 64},   // fire2
	{16, 64, 64},   // fire3
	{32, 128, 128}, // fire4
	{32, 128, 128}, // fire5
	{48, 192, 192}, // fire6
	{48, 192, 192}, // fire7
	{64, 256, 256}, // fire8
	{64, 256, 256}, // fire9
}

// Max pooling follows conv1, fire3 and fire5.
var poolAfter = map[int]bool{3: true, 5: true}

type builder struct {
	opts    Options
	rng     *rand.Rand
	init    *graph.Builder
	predict *graph.Builder
	params  []string
}

// Build returns the init and predict graphs.
func Build(opts Options) (initNet, predictNet *api.NetDef, err error) {
	if opts.Classes < 1 {
		return nil, nil, fmt.Errorf("classes must be positive, got %d", opts.Classes)
	}
	b := &builder{
		opts:    opts,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed)),
		init:    graph.NewBuilder("squeezenet_init"),
		predict: graph.NewBuilder("squeezenet"),
	}

	x := b.conv("conv1", InputName, Channels, 64, 3, 2, 0)
	x = b.relu(x)
	x = b.maxPool("pool1", x)

	channels := 64
	for i, f := range fires {
		n := i + 2
		x = b.fire(fmt.Sprintf("fire%d", n), x, channels, f)
		channels = f.expand1x1 + f.expand3x3
		if poolAfter[n] {
			x = b.maxPool(fmt.Sprintf("pool%d", n), x)
		}
	}

	b.predict.Op("Dropout", []string{x}, []string{"fire9/concat_dropout"}, graph.IntArg("is_test", 1), graph.FloatArg("ratio", 0.5))
	x = b.conv("conv10", "fire9/concat_dropout", channels, opts.Classes, 1, 1, 0)
	x = b.relu(x)
	b.predict.Op("AveragePool", []string{x}, []string{"pool10"}, graph.IntArg("global_pooling", 1), graph.StringArg("order", "NCHW"))
	b.predict.Op("Flatten", []string{"pool10"}, []string{OutputName}, graph.IntArg("axis", 1))
	if opts.Softmax {
		b.predict.Op("Softmax", []string{OutputName}, []string{ProbabilitiesName}, graph.IntArg("axis", 1))
	}

	b.predict.ExternalInput(InputName).ExternalInput(b.params...).ExternalOutput(opts.Output())
	b.init.ExternalOutput(b.params...)
	return b.init.NetDef(), b.predict.NetDef(), nil
}

// Marshal builds and serializes both graphs.
func Marshal(opts Options) (initNet, predictNet []byte, err error) {
	initDef, predictDef, err := Build(opts)
	if err != nil {
		return nil, nil, err
	}
	if initNet, err = initDef.MarshalBinary(); err != nil {
		return nil, nil, fmt.Errorf("serializing init graph: %w", err)
	}
	if predictNet, err = predictDef.MarshalBinary(); err != nil {
		return nil, nil, fmt.Errorf("serializing predict graph: %w", err)
	}
	return initNet, predictNet, nil
}

func (b *builder) conv(name, x string, in, out, kernel, stride, pad int) string {
	w, bias := name+"_w", name+"_b"
	fanIn := in * kernel * kernel
	b.param(w, []int{out, in, kernel, kernel}, math.Sqrt(2/float64(fanIn)))
	b.param(bias, []int{out}, 0.01)
	b.predict.Op("Conv", []string{x, w, bias}, []string{name},
		graph.IntArg("kernel", kernel),
		graph.IntArg("stride", stride),
		graph.IntArg("pad", pad),
		graph.StringArg("order", "NCHW"))
	return name
}

func (b *builder) relu(x string) string {
	// In place, as exported models do.
	b.predict.Op("Relu", []string{x}, []string{x})
	return x
}

func (b *builder) maxPool(name, x string) string {
	b.predict.Op("MaxPool", []string{x}, []string{name},
		graph.IntArg("kernel", 3),
		graph.IntArg("stride", 2),
		graph.IntArg("legacy_pad", 3),
		graph.StringArg("order", "NCHW"))
	return name
}

func (b *builder) fire(name, x string, in int, f fire) string {
	s := b.relu(b.conv(name+"/squeeze1x1", x, in, f.squeeze, 1, 1, 0))
	e1 := b.relu(b.conv(name+"/expand1x1", s, f.squeeze, f.expand1x1, 1, 1, 0))
	e3 := b.relu(b.conv(name+"/expand3x3", s, f.squeeze, f.expand3x3, 3, 1, 1))
	out := name + "/concat"
	b.predict.Op("Concat", []string{e1, e3}, []string{out, out + "_dims"}, graph.IntArg("axis", 1), graph.StringArg("order", "NCHW"))
	return out
}

// param adds a fill for a normally distributed weight with the given standard deviation.
func (b *builder) param(name string, shape []int, stddev float64) {
	values := make([]float32, tensor.NumberOfElements(shape...))
	for i := range values {
		values[i] = float32(b.rng.NormFloat64() * stddev)
	}
	if b.opts.Half {
		t := tensor.MustNew(shape, values)
		b.init.Op("GivenTensorFp16Fill", nil, []string{name},
			graph.IntsArg("shape", shape...),
			graph.TensorArg("values", tensor.Float16Proto("", t)))
	} else {
		b.init.Op("GivenTensorFill", nil, []string{name},
			graph.IntsArg("shape", shape...),
			graph.FloatsArg("values", values...))
	}
	b.params = append(b.params, name)
}
