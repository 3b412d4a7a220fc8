package fallback

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"k8s.io/examples/AI/predictor/pkg/engine"
	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// conv is a grouped 2D convolution over NCHW input: X [N,C,H,W], W [M,C/group,kH,kW], b [M].
type conv struct {
	op     *graph.Operation
	window window
	group  int
}

func newConv(op *graph.Operation) (engine.Kernel, error) {
	if err := arity(op, 2, 3, 1, 1); err != nil {
		return nil, err
	}
	if err := checkOrder(op); err != nil {
		return nil, err
	}
	w, err := parseWindow(op, false)
	if err != nil {
		return nil, err
	}
	group, err := op.Attrs.Int("group", 1)
	if err != nil {
		return nil, err
	}
	if group < 1 {
		return nil, fmt.Errorf("group %d must be positive", group)
	}
	return &conv{op: op, window: w, group: group}, nil
}

func (k *conv) Run(scope *engine.Scope, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	x, weights := inputs[0], inputs[1]
	if err := requireRank(k.op, 0, x, 4); err != nil {
		return nil, err
	}
	if err := requireRank(k.op, 1, weights, 4); err != nil {
		return nil, err
	}
	batch, channels, height, width := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	filters, groupChannels, kernelH, kernelW := weights.Dim(0), weights.Dim(1), weights.Dim(2), weights.Dim(3)

	w := k.window
	if w.kernelH == 0 && w.kernelW == 0 {
		w.kernelH, w.kernelW = kernelH, kernelW
	}
	if w.kernelH != kernelH || w.kernelW != kernelW {
		return nil, tensor.ShapeMismatch(k.op.Inputs[1], weights.Shape(), "filter is not %dx%d", w.kernelH, w.kernelW)
	}
	if channels%k.group != 0 || filters%k.group != 0 {
		return nil, tensor.ShapeMismatch(k.op.Inputs[0], x.Shape(), "%d channels and %d filters are not divisible into %d groups", channels, filters, k.group)
	}
	if groupChannels == 0 || groupChannels*k.group != channels {
		return nil, tensor.ShapeMismatch(k.op.Inputs[0], x.Shape(), "filters expect %d input channels, got %d", groupChannels*k.group, channels)
	}
	var bias []float32
	if len(inputs) == 3 {
		b := inputs[2]
		if b.Rank() != 1 || b.Dim(0) != filters {
			return nil, tensor.ShapeMismatch(k.op.Inputs[2], b.Shape(), "bias must have shape [%d]", filters)
		}
		bias = b.Data()
	}

	outH, outW, err := w.outputSize(k.op.Inputs[0], x)
	if err != nil {
		return nil, err
	}
	out := scope.Alloc(batch, filters, outH, outW)
	if out.Size() == 0 {
		return []*tensor.Tensor{out}, nil
	}

	groupFilters := filters / k.group
	patch := groupChannels * kernelH * kernelW
	pixels := outH * outW
	pointwise := kernelH == 1 && kernelW == 1 && w.strideH == 1 && w.strideW == 1 &&
		(w.padT|w.padL|w.padB|w.padR) == 0

	xData, wData, outData := x.Data(), weights.Data(), out.Data()
	err = scope.ParallelFor(batch*k.group, func(item int) error {
		n, g := item/k.group, item%k.group
		input := xData[(n*channels+g*groupChannels)*height*width:][:groupChannels*height*width]

		var columns []float32
		if pointwise {
			columns = input
		} else {
			columns = scope.Buffer(patch * pixels)
			defer scope.RecycleBuffer(columns)
			im2col(input, groupChannels, height, width, w, outH, outW, columns)
		}

		result := outData[(n*filters+g*groupFilters)*pixels:][:groupFilters*pixels]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: groupFilters, Cols: patch, Stride: patch, Data: wData[g*groupFilters*patch:][:groupFilters*patch]},
			blas32.General{Rows: patch, Cols: pixels, Stride: pixels, Data: columns},
			0,
			blas32.General{Rows: groupFilters, Cols: pixels, Stride: pixels, Data: result},
		)

		if bias != nil {
			for f := 0; f < groupFilters; f++ {
				b := bias[g*groupFilters+f]
				row := result[f*pixels:][:pixels]
				for i := range row {
					row[i] += b
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

// im2col lays out every receptive field as a column: columns [C*kH*kW, outH*outW].
// Positions falling in the padding read as zero.
func im2col(input []float32, channels, height, width int, w window, outH, outW int, columns []float32) {
	pixels := outH * outW
	row := 0
	for c := 0; c < channels; c++ {
		plane := input[c*height*width:][:height*width]
		for kh := 0; kh < w.kernelH; kh++ {
			for kw := 0; kw < w.kernelW; kw++ {
				dst := columns[row*pixels:][:pixels]
				for oh := 0; oh < outH; oh++ {
					ih := oh*w.strideH - w.padT + kh
					line := dst[oh*outW:][:outW]
					if ih < 0 || ih >= height {
						clear(line)
						continue
					}
					src := plane[ih*width:][:width]
					for ow := range line {
						iw := ow*w.strideW - w.padL + kw
						if iw < 0 || iw >= width {
							line[ow] = 0
						} else {
							line[ow] = src[iw]
						}
					}
				}
				row++
			}
		}
	}
}
