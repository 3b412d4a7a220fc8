package tensor

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
)

// Encoding selects how ToProto lays out the element data.
type Encoding int

const (
	// EncodingRaw stores little-endian bytes in raw_data.
	EncodingRaw Encoding = iota
	// EncodingFloatData stores a packed float_data field.
	EncodingFloatData
)

func protoShape(p *api.TensorProto) ([]int, error) {
	shape := make([]int, len(p.Dims))
	for i, d := range p.Dims {
		if d < 0 {
			return nil, fmt.Errorf("tensor %q has negative dimension %d", p.Name, d)
		}
		shape[i] = int(d)
	}
	return shape, nil
}

// FromProto decodes a FLOAT tensor. Other data types are rejected rather than converted.
func FromProto(p *api.TensorProto) (*Tensor, Encoding, error) {
	if p == nil {
		return nil, 0, fmt.Errorf("nil tensor proto")
	}
	if p.DataType != api.DataTypeFloat {
		return nil, 0, fmt.Errorf("tensor %q has data type %v, want %v", p.Name, p.DataType, api.DataTypeFloat)
	}
	shape, err := protoShape(p)
	if err != nil {
		return nil, 0, err
	}
	if p.RawData != nil && len(p.FloatData) != 0 {
		return nil, 0, fmt.Errorf("tensor %q sets both float_data and raw_data", p.Name)
	}
	if p.RawData != nil {
		t, err := FromBytes(shape, p.RawData)
		if err != nil {
			return nil, 0, fmt.Errorf("tensor %q: %w", p.Name, err)
		}
		return t, EncodingRaw, nil
	}
	data := make([]float32, len(p.FloatData))
	copy(data, p.FloatData)
	t, err := New(shape, data)
	if err != nil {
		return nil, 0, fmt.Errorf("tensor %q: %w", p.Name, err)
	}
	return t, EncodingFloatData, nil
}

// FromFloat16Proto widens a FLOAT16 tensor held in raw_data to float32.
func FromFloat16Proto(p *api.TensorProto) (*Tensor, error) {
	if p == nil {
		return nil, fmt.Errorf("nil tensor proto")
	}
	if p.DataType != api.DataTypeFloat16 {
		return nil, fmt.Errorf("tensor %q has data type %v, want %v", p.Name, p.DataType, api.DataTypeFloat16)
	}
	shape, err := protoShape(p)
	if err != nil {
		return nil, err
	}
	if len(p.RawData)%2 != 0 {
		return nil, fmt.Errorf("tensor %q: float16 buffer has odd length %d", p.Name, len(p.RawData))
	}
	data := make([]float32, len(p.RawData)/2)
	for i := range data {
		data[i] = float16.Frombits(binary.LittleEndian.Uint16(p.RawData[2*i:])).Float32()
	}
	return New(shape, data)
}

// ToProto encodes t as a FLOAT tensor named name.
func ToProto(name string, t *Tensor, encoding Encoding) *api.TensorProto {
	p := &api.TensorProto{
		Name:     name,
		DataType: api.DataTypeFloat,
		Dims:     make([]int64, len(t.shape)),
	}
	for i, d := range t.shape {
		p.Dims[i] = int64(d)
	}
	switch encoding {
	case EncodingFloatData:
		p.FloatData = append([]float32(nil), t.data...)
	default:
		p.RawData = t.Bytes()
	}
	return p
}

// Float16Proto narrows t to FLOAT16 raw data.
func Float16Proto(name string, t *Tensor) *api.TensorProto {
	p := &api.TensorProto{
		Name:     name,
		DataType: api.DataTypeFloat16,
		Dims:     make([]int64, len(t.shape)),
		RawData:  make([]byte, 2*len(t.data)),
	}
	for i, d := range t.shape {
		p.Dims[i] = int64(d)
	}
	for i, v := range t.data {
		binary.LittleEndian.PutUint16(p.RawData[2*i:], float16.Fromfloat32(v).Bits())
	}
	return p
}
