package fallback

import (
	"fmt"

	"k8s.io/examples/AI/predictor/pkg/graph"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// Caffe2 legacy_pad values.
const (
	legacyPadNotSet      = 0
	legacyPadCaffeLegacy = 3
)

// window is the spatial geometry shared by convolution and pooling.
type window struct {
	kernelH, kernelW int
	strideH, strideW int
	padT, padL       int
	padB, padR       int
	global           bool
	ceil             bool
}

// pair reads a per-axis attribute from its scalar, _h/_w, or plural list form.
func pair(attrs *graph.Attributes, name string, def int) (int, int, error) {
	list, hasList, err := attrs.Ints(name + "s")
	if err != nil {
		return 0, 0, err
	}
	hasH, hasW := attrs.Has(name+"_h"), attrs.Has(name+"_w")
	forms := 0
	for _, present := range []bool{attrs.Has(name), hasH || hasW, hasList} {
		if present {
			forms++
		}
	}
	if forms > 1 {
		return 0, 0, fmt.Errorf("%s is given in more than one form", name)
	}
	switch {
	case hasList:
		if len(list) != 2 {
			return 0, 0, fmt.Errorf("%ss has %d values, want 2", name, len(list))
		}
		return list[0], list[1], nil
	case hasH || hasW:
		h, err := attrs.Int(name+"_h", def)
		if err != nil {
			return 0, 0, err
		}
		w, err := attrs.Int(name+"_w", def)
		if err != nil {
			return 0, 0, err
		}
		return h, w, nil
	default:
		v, err := attrs.Int(name, def)
		return v, v, err
	}
}

// pads reads padding as pad, pad_t/pad_l/pad_b/pad_r, or pads [t, l, b, r].
func pads(attrs *graph.Attributes) (t, l, b, r int, err error) {
	list, hasList, err := attrs.Ints("pads")
	if err != nil {
		return 0, 0, 0, 0, err
	}
	sides := []string{"pad_t", "pad_l", "pad_b", "pad_r"}
	hasSides := false
	for _, side := range sides {
		hasSides = hasSides || attrs.Has(side)
	}
	forms := 0
	for _, present := range []bool{attrs.Has("pad"), hasSides, hasList} {
		if present {
			forms++
		}
	}
	if forms > 1 {
		return 0, 0, 0, 0, fmt.Errorf("padding is given in more than one form")
	}
	switch {
	case hasList:
		if len(list) != 4 {
			return 0, 0, 0, 0, fmt.Errorf("pads has %d values, want 4", len(list))
		}
		return list[0], list[1], list[2], list[3], nil
	case hasSides:
		values := make([]int, 4)
		for i, side := range sides {
			if values[i], err = attrs.Int(side, 0); err != nil {
				return 0, 0, 0, 0, err
			}
		}
		return values[0], values[1], values[2], values[3], nil
	default:
		p, err := attrs.Int("pad", 0)
		return p, p, p, p, err
	}
}

// parseWindow reads kernel, stride, padding and rounding. Kernel sizes of 0 mean "take them
// from the weights" for convolution.
func parseWindow(op *graph.Operation, pooling bool) (window, error) {
	var w window
	var err error
	attrs := op.Attrs

	if pooling {
		global, err := attrs.Int("global_pooling", 0)
		if err != nil {
			return w, err
		}
		w.global = global != 0
	}

	if w.kernelH, w.kernelW, err = pair(attrs, "kernel", 0); err != nil {
		return w, err
	}
	if w.strideH, w.strideW, err = pair(attrs, "stride", 1); err != nil {
		return w, err
	}
	if w.padT, w.padL, w.padB, w.padR, err = pads(attrs); err != nil {
		return w, err
	}
	dilationH, dilationW, err := pair(attrs, "dilation", 1)
	if err != nil {
		return w, err
	}
	if dilationH != 1 || dilationW != 1 {
		return w, fmt.Errorf("dilation %dx%d is not supported", dilationH, dilationW)
	}

	legacyPad, err := attrs.Int("legacy_pad", legacyPadNotSet)
	if err != nil {
		return w, err
	}
	ceilMode, err := attrs.Int("ceil_mode", 0)
	if err != nil {
		return w, err
	}
	switch legacyPad {
	case legacyPadNotSet:
	case legacyPadCaffeLegacy:
		if !pooling {
			return w, fmt.Errorf("legacy_pad %d only applies to pooling", legacyPad)
		}
		ceilMode = 1
	default:
		return w, fmt.Errorf("legacy_pad %d is not supported", legacyPad)
	}
	w.ceil = ceilMode != 0

	if w.strideH < 1 || w.strideW < 1 {
		return w, fmt.Errorf("stride %dx%d must be positive", w.strideH, w.strideW)
	}
	if w.padT < 0 || w.padL < 0 || w.padB < 0 || w.padR < 0 {
		return w, fmt.Errorf("negative padding")
	}
	if w.kernelH < 0 || w.kernelW < 0 {
		return w, fmt.Errorf("negative kernel size")
	}
	if pooling && !w.global && (w.kernelH == 0 || w.kernelW == 0) {
		return w, fmt.Errorf("pooling needs a kernel size or global_pooling")
	}
	if w.global && (w.padT|w.padL|w.padB|w.padR) != 0 {
		return w, fmt.Errorf("global pooling does not take padding")
	}
	return w, nil
}

// resolve fixes the window for an input of the given spatial size.
func (w window) resolve(height, width int) window {
	if w.global {
		w.kernelH, w.kernelW = height, width
		w.strideH, w.strideW = 1, 1
	}
	return w
}

func outputExtent(in, kernel, stride, padBefore, padAfter int, ceil bool) int {
	span := in + padBefore + padAfter - kernel
	if span < 0 {
		return -1
	}
	out := span/stride + 1
	if ceil {
		out = (span+stride-1)/stride + 1
		// The last window must start inside the input or the leading padding.
		if (out-1)*stride >= in+padBefore {
			out--
		}
	}
	return out
}

// outputSize computes the spatial output extent for an NCHW input.
func (w window) outputSize(name string, x *tensor.Tensor) (int, int, error) {
	height, width := x.Dim(2), x.Dim(3)
	outH := outputExtent(height, w.kernelH, w.strideH, w.padT, w.padB, w.ceil)
	outW := outputExtent(width, w.kernelW, w.strideW, w.padL, w.padR, w.ceil)
	if outH < 1 || outW < 1 {
		return 0, 0, tensor.ShapeMismatch(name, x.Shape(), "kernel %dx%d does not fit the padded input", w.kernelH, w.kernelW)
	}
	return outH, outW, nil
}
