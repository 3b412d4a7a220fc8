// Package tensor holds float32 tensors and the named stores the predictor executes against.
//
// A Tensor is never mutated once it has been placed in a Store; operations allocate new outputs.
// That lets stores share tensors by reference without copy-on-write bookkeeping.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

type Tensor struct {
	shape []int
	data  []float32
}

// NumberOfElements is the product of the dimensions; the empty shape is a scalar with one element.
func NumberOfElements(shape ...int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func checkShape(shape []int) error {
	for _, dim := range shape {
		if dim < 0 {
			return fmt.Errorf("negative dimension in shape %v", shape)
		}
	}
	return nil
}

// New wraps data with the given shape. The tensor takes ownership of data.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, &ShapeMismatchError{Got: slices.Clone(shape), Reason: err.Error()}
	}
	if n := NumberOfElements(shape...); n != len(data) {
		return nil, ShapeMismatch("", shape, "shape holds %d elements but buffer has %d", n, len(data))
	}
	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// MustNew is New for tests and builders whose shapes are known to be valid.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, NumberOfElements(shape...))}
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the backing buffer. Callers must not modify it once the tensor is shared.
func (t *Tensor) Data() []float32 {
	return t.data
}

// SizeInBytes is the memory held by the backing buffer.
func (t *Tensor) SizeInBytes() int {
	return 4 * len(t.data)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Reshaped returns a tensor with a new shape sharing this tensor's buffer.
func (t *Tensor) Reshaped(shape []int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, &ShapeMismatchError{Got: t.Shape(), Reason: err.Error()}
	}
	if n := NumberOfElements(shape...); n != len(t.data) {
		return nil, ShapeMismatch("", t.shape, "cannot reshape %d elements to %v", len(t.data), shape)
	}
	return &Tensor{shape: slices.Clone(shape), data: t.data}, nil
}

// SharesBuffer reports whether both tensors are views of the same allocation.
func (t *Tensor) SharesBuffer(other *Tensor) bool {
	if cap(t.data) == 0 || cap(other.data) == 0 {
		return false
	}
	return &t.data[:1][0] == &other.data[:1][0]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// Bytes returns the little-endian float32 encoding of the data.
func (t *Tensor) Bytes() []byte {
	out := make([]byte, 4*len(t.data))
	for i, v := range t.data {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// FromBytes decodes little-endian float32 data.
func FromBytes(shape []int, b []byte) (*Tensor, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("float32 buffer has %d bytes, not a multiple of 4", len(b))
	}
	data := make([]float32, len(b)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return New(shape, data)
}

// Equal reports bit-identical shape and data.
func Equal(a, b *Tensor) bool {
	if !slices.Equal(a.shape, b.shape) || len(a.data) != len(b.data) {
		return false
	}
	for i := range a.data {
		if math.Float32bits(a.data[i]) != math.Float32bits(b.data[i]) {
			return false
		}
	}
	return true
}
