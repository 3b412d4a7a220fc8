package tensor

import (
	"fmt"
	"math"
	"slices"
)

// DefaultTolerance is the absolute and relative bound every kernel is held to against a direct
// reference computation: agreement to 3 decimal places.
const DefaultTolerance = 1e-3

// AllClose reports whether |a-b| <= atol + rtol*|b| elementwise, with matching shapes.
func AllClose(a, b *Tensor, atol, rtol float64) bool {
	return Compare(a, b, atol, rtol) == nil
}

// Compare is AllClose returning the first offending element.
func Compare(a, b *Tensor, atol, rtol float64) error {
	if !slices.Equal(a.shape, b.shape) {
		return fmt.Errorf("shapes differ: %v vs %v", a.shape, b.shape)
	}
	for i := range a.data {
		x, y := float64(a.data[i]), float64(b.data[i])
		if math.IsNaN(x) || math.IsNaN(y) {
			return fmt.Errorf("element %d is NaN (%v vs %v)", i, x, y)
		}
		if math.Abs(x-y) > atol+rtol*math.Abs(y) {
			return fmt.Errorf("element %d differs: %v vs %v", i, x, y)
		}
	}
	return nil
}
