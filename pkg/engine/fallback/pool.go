package fallback

import (
	"math"

	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

type poolMode int

const (
	poolMax poolMode = iota
	poolAverage
)

// pool reduces every spatial window of an NCHW input to one value.
type pool struct {
	op     *graph.Operation
	window window
	mode   poolMode
	// countPad averages over the full window, padding included.
	countPad bool
}

func newMaxPool(op *graph.Operation) (engine.Kernel, error) {
	return newPool(op, poolMax)
}

func newAveragePool(op *graph.Operation) (engine.Kernel, error) {
	return newPool(op, poolAverage)
}

func newPool(op *graph.Operation, mode poolMode) (engine.Kernel, error) {
	if err := arity(op, 1, 1, 1, 1); err != nil {
		return nil, err
	}
	if err := checkOrder(op); err != nil {
		return nil, err
	}
	w, err := parseWindow(op, true)
	if err != nil {
		return nil, err
	}
	k := &pool{op: op, window: w, mode: mode}
	if mode == poolAverage {
		countPad, err := op.Attrs.Int("count_include_pad", 0)
		if err != nil {
			return nil, err
		}
		k.countPad = countPad != 0
	} else if err := rejectAttrs(op, "count_include_pad"); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *pool) Run(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	x := inputs[0]
	if err := requireRank(k.op, 0, x, 4); err != nil {
		return nil, err
	}
	batch, channels, height, width := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if height == 0 || width == 0 {
		return nil, tensor.ShapeMismatch(k.op.Inputs[0], x.Shape(), "cannot pool an empty plane")
	}
	w := k.window.resolve(height, width)
	outH, outW, err := w.outputSize(k.op.Inputs[0], x)
	if err != nil {
		return nil, err
	}
	out := scope.Alloc(batch, channels, outH, outW)

	xData, outData := x.Data(), out.Data()
	planes := batch * channels
	err = scope.ParallelFor(planes, func(p int) error {
		src := xData[p*height*width:][:height*width]
		dst := outData[p*outH*outW:][:outH*outW]
		for oh := 0; oh < outH; oh++ {
			h0 := oh*w.strideH - w.padT
			h1 := min(h0+w.kernelH, height+w.padB)
			for ow := 0; ow < outW; ow++ {
				w0 := ow*w.strideW - w.padL
				w1 := min(w0+w.kernelW, width+w.padR)
				dst[oh*outW+ow] = k.reduce(src, width, height, h0, h1, w0, w1)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

// reduce covers rows [h0, h1) and columns [w0, w1), bounds given in padded coordinates.
func (k *pool) reduce(src []float32, width, height, h0, h1, w0, w1 int) float32 {
	window := (h1 - h0) * (w1 - w0)
	ih0, ih1 := max(h0, 0), min(h1, height)
	iw0, iw1 := max(w0, 0), min(w1, width)

	switch k.mode {
	case poolMax:
		best := float32(math.Inf(-1))
		for ih := ih0; ih < ih1; ih++ {
			for _, v := range src[ih*width+iw0 : ih*width+iw1] {
				if v > best || v != v {
					best = v
				}
			}
		}
		return best
	default:
		var sum float32
		for ih := ih0; ih < ih1; ih++ {
			for _, v := range src[ih*width+iw0 : ih*width+iw1] {
				sum += v
			}
		}
		count := (ih1 - ih0) * (iw1 - iw0)
		if k.countPad {
			count = window
		}
		if count <= 0 {
			return 0
		}
		return sum / float32(count)
	}
}
