package v1alpha1

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PredictRequest feeds the named inputs of the predict graph. Each tensor's Name is the feed name;
// an empty name is accepted when the graph has exactly one input.
type PredictRequest struct {
	Inputs []*TensorProto
}

func (m *PredictRequest) GetInputs() []*TensorProto {
	if m == nil {
		return nil
	}
	return m.Inputs
}

func (m *PredictRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, t := range m.Inputs {
		b = appendMessage(b, 1, t.appendTo)
	}
	return b, nil
}

func (m *PredictRequest) UnmarshalBinary(b []byte) error {
	*m = PredictRequest{}
	d := newDecoder("PredictRequest", b)
	for d.more() {
		num, typ, err := d.next()
		if err != nil {
			return err
		}
		if num != 1 || typ != protowire.BytesType {
			return d.unexpected(num, typ)
		}
		body, err := d.view()
		if err != nil {
			return err
		}
		t := &TensorProto{}
		if err := t.UnmarshalBinary(body); err != nil {
			return fmt.Errorf("input %d: %w", len(m.Inputs), err)
		}
		m.Inputs = append(m.Inputs, t)
	}
	return nil
}

type PredictResponse struct {
	Outputs []*TensorProto
	// Error is only populated on transports without a status channel (the websocket stream).
	Error string
}

func (m *PredictResponse) GetOutputs() []*TensorProto {
	if m == nil {
		return nil
	}
	return m.Outputs
}

func (m *PredictResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, t := range m.Outputs {
		b = appendMessage(b, 1, t.appendTo)
	}
	b = appendString(b, 2, m.Error)
	return b, nil
}

func (m *PredictResponse) UnmarshalBinary(b []byte) error {
	*m = PredictResponse{}
	d := newDecoder("PredictResponse", b)
	for d.more() {
		num, typ, err := d.next()
		if err != nil {
			return err
		}
		if typ != protowire.BytesType {
			return d.unexpected(num, typ)
		}
		switch num {
		case 1:
			body, err := d.view()
			if err != nil {
				return err
			}
			t := &TensorProto{}
			if err := t.UnmarshalBinary(body); err != nil {
				return fmt.Errorf("output %d: %w", len(m.Outputs), err)
			}
			m.Outputs = append(m.Outputs, t)
		case 2:
			if m.Error, err = d.string(); err != nil {
				return err
			}
		default:
			return d.unexpected(num, typ)
		}
	}
	return nil
}

type ModelInfoRequest struct{}

func (m *ModelInfoRequest) MarshalBinary() ([]byte, error) {
	return []byte{}, nil
}

func (m *ModelInfoRequest) UnmarshalBinary(b []byte) error {
	d := newDecoder("ModelInfoRequest", b)
	if d.more() {
		num, typ, err := d.next()
		if err != nil {
			return err
		}
		return d.unexpected(num, typ)
	}
	return nil
}

type ModelInfo struct {
	Name        string
	Inputs      []string
	Outputs     []string
	Weights     int64
	WeightBytes int64
}

func (m *ModelInfo) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Name)
	b = appendStrings(b, 2, m.Inputs)
	b = appendStrings(b, 3, m.Outputs)
	if m.Weights != 0 {
		b = appendVarint(b, 4, uint64(m.Weights))
	}
	if m.WeightBytes != 0 {
		b = appendVarint(b, 5, uint64(m.WeightBytes))
	}
	return b, nil
}

func (m *ModelInfo) UnmarshalBinary(b []byte) error {
	*m = ModelInfo{}
	d := newDecoder("ModelInfo", b)
	for d.more() {
		num, typ, err := d.next()
		if err != nil {
			return err
		}
		switch {
		case num <= 3 && num >= 1 && typ == protowire.BytesType:
			s, err := d.string()
			if err != nil {
				return err
			}
			switch num {
			case 1:
				m.Name = s
			case 2:
				m.Inputs = append(m.Inputs, s)
			case 3:
				m.Outputs = append(m.Outputs, s)
			}
		case (num == 4 || num == 5) && typ == protowire.VarintType:
			v, err := d.varint()
			if err != nil {
				return err
			}
			if num == 4 {
				m.Weights = int64(v)
			} else {
				m.WeightBytes = int64(v)
			}
		default:
			return d.unexpected(num, typ)
		}
	}
	return nil
}
