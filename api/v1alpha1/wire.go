package v1alpha1

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// decoder walks the fields of a single message.
type decoder struct {
	message string
	b       []byte
}

func newDecoder(message string, b []byte) *decoder {
	return &decoder{message: message, b: b}
}

func (d *decoder) more() bool {
	return len(d.b) > 0
}

func (d *decoder) next() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%s: reading tag: %w", d.message, protowire.ParseError(n))
	}
	d.b = d.b[n:]
	return num, typ, nil
}

func (d *decoder) unexpected(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("%s: unexpected field %d (wire type %d)", d.message, num, typ)
}

func (d *decoder) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		return 0, fmt.Errorf("%s: reading varint: %w", d.message, protowire.ParseError(n))
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) fixed32() (uint32, error) {
	v, n := protowire.ConsumeFixed32(d.b)
	if n < 0 {
		return 0, fmt.Errorf("%s: reading fixed32: %w", d.message, protowire.ParseError(n))
	}
	d.b = d.b[n:]
	return v, nil
}

// bytes returns a copy of the length-delimited value, never nil.
func (d *decoder) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		return nil, fmt.Errorf("%s: reading bytes: %w", d.message, protowire.ParseError(n))
	}
	d.b = d.b[n:]
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// view returns the length-delimited value without copying; used for nested messages.
func (d *decoder) view() ([]byte, error) {
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		return nil, fmt.Errorf("%s: reading message: %w", d.message, protowire.ParseError(n))
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) string() (string, error) {
	v, n := protowire.ConsumeString(d.b)
	if n < 0 {
		return "", fmt.Errorf("%s: reading string: %w", d.message, protowire.ParseError(n))
	}
	d.b = d.b[n:]
	return v, nil
}

// int64s accepts both packed and unpacked encodings of a repeated int64 field.
func (d *decoder) int64s(typ protowire.Type, dst []int64) ([]int64, error) {
	switch typ {
	case protowire.VarintType:
		v, err := d.varint()
		if err != nil {
			return nil, err
		}
		return append(dst, int64(v)), nil
	case protowire.BytesType:
		packed, err := d.view()
		if err != nil {
			return nil, err
		}
		for len(packed) > 0 {
			v, n := protowire.ConsumeVarint(packed)
			if n < 0 {
				return nil, fmt.Errorf("%s: reading packed varint: %w", d.message, protowire.ParseError(n))
			}
			packed = packed[n:]
			dst = append(dst, int64(v))
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%s: wire type %d is not valid for a repeated int64", d.message, typ)
	}
}

// float32s accepts both packed and unpacked encodings of a repeated float field.
func (d *decoder) float32s(typ protowire.Type, dst []float32) ([]float32, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, err := d.fixed32()
		if err != nil {
			return nil, err
		}
		return append(dst, math.Float32frombits(v)), nil
	case protowire.BytesType:
		packed, err := d.view()
		if err != nil {
			return nil, err
		}
		if len(packed)%4 != 0 {
			return nil, fmt.Errorf("%s: packed float field has %d bytes, not a multiple of 4", d.message, len(packed))
		}
		if dst == nil {
			dst = make([]float32, 0, len(packed)/4)
		}
		for len(packed) > 0 {
			v, n := protowire.ConsumeFixed32(packed)
			if n < 0 {
				return nil, fmt.Errorf("%s: reading packed float: %w", d.message, protowire.ParseError(n))
			}
			packed = packed[n:]
			dst = append(dst, math.Float32frombits(v))
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%s: wire type %d is not valid for a repeated float", d.message, typ)
	}
}

func expect(d *decoder, num protowire.Number, typ, want protowire.Type) error {
	if typ != want {
		return d.unexpected(num, typ)
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendStrings(b []byte, num protowire.Number, values []string) []byte {
	for _, s := range values {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendPackedInt64s(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	size := 0
	for _, v := range values {
		size += protowire.SizeVarint(uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(size))
	for _, v := range values {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

func appendPackedFloat32s(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(values)))
	for _, v := range values {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, appendBody func([]byte) []byte) []byte {
	body := appendBody(nil)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}
