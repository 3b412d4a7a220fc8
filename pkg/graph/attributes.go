package graph

import (
	"fmt"
	"math"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
)

// Attributes are the named arguments of an operation, in serialized order.
type Attributes struct {
	args   []*api.Argument
	byName map[string]*api.Argument
}

func newAttributes(args []*api.Argument) (*Attributes, error) {
	a := &Attributes{byName: make(map[string]*api.Argument, len(args))}
	for _, arg := range args {
		if arg.Name == "" {
			return nil, fmt.Errorf("argument without a name")
		}
		if _, dup := a.byName[arg.Name]; dup {
			return nil, fmt.Errorf("argument %q given twice", arg.Name)
		}
		if kinds := arg.ValueKinds(); len(kinds) > 1 {
			return nil, fmt.Errorf("argument %q sets several values %v", arg.Name, kinds)
		}
		a.args = append(a.args, arg)
		a.byName[arg.Name] = arg
	}
	return a, nil
}

// Names lists the attribute names in serialized order.
func (a *Attributes) Names() []string {
	names := make([]string, len(a.args))
	for i, arg := range a.args {
		names[i] = arg.Name
	}
	return names
}

func (a *Attributes) Has(name string) bool {
	_, ok := a.byName[name]
	return ok
}

func (a *Attributes) Len() int {
	return len(a.args)
}

func kindError(arg *api.Argument, want string) error {
	kinds := arg.ValueKinds()
	got := "no value"
	if len(kinds) == 1 {
		got = kinds[0]
	}
	return fmt.Errorf("argument %q holds %s, want %s", arg.Name, got, want)
}

// Int returns an integer attribute or def when absent.
func (a *Attributes) Int(name string, def int) (int, error) {
	arg, ok := a.byName[name]
	if !ok {
		return def, nil
	}
	if arg.I == nil {
		return 0, kindError(arg, "i")
	}
	if *arg.I > math.MaxInt32 || *arg.I < math.MinInt32 {
		return 0, fmt.Errorf("argument %q value %d out of range", name, *arg.I)
	}
	return int(*arg.I), nil
}

// Ints returns a list attribute; ok is false when absent. An argument that carries no value at
// all is read as an empty list.
func (a *Attributes) Ints(name string) ([]int, bool, error) {
	arg, ok := a.byName[name]
	if !ok {
		return nil, false, nil
	}
	if len(arg.ValueKinds()) == 0 {
		return []int{}, true, nil
	}
	if len(arg.Ints) == 0 {
		return nil, true, kindError(arg, "ints")
	}
	out := make([]int, len(arg.Ints))
	for i, v := range arg.Ints {
		if v > math.MaxInt32 || v < math.MinInt32 {
			return nil, true, fmt.Errorf("argument %q value %d out of range", name, v)
		}
		out[i] = int(v)
	}
	return out, true, nil
}

// Float returns a float attribute or def when absent. Integer values are accepted.
func (a *Attributes) Float(name string, def float32) (float32, error) {
	arg, ok := a.byName[name]
	if !ok {
		return def, nil
	}
	switch {
	case arg.F != nil:
		return *arg.F, nil
	case arg.I != nil:
		return float32(*arg.I), nil
	default:
		return 0, kindError(arg, "f")
	}
}

func (a *Attributes) Floats(name string) ([]float32, bool, error) {
	arg, ok := a.byName[name]
	if !ok {
		return nil, false, nil
	}
	if len(arg.ValueKinds()) == 0 {
		return []float32{}, true, nil
	}
	if len(arg.Floats) == 0 {
		return nil, true, kindError(arg, "floats")
	}
	return append([]float32(nil), arg.Floats...), true, nil
}

func (a *Attributes) String(name string, def string) (string, error) {
	arg, ok := a.byName[name]
	if !ok {
		return def, nil
	}
	if arg.S == nil {
		return "", kindError(arg, "s")
	}
	return string(arg.S), nil
}

// Tensor returns a tensor-valued attribute as serialized; decoding is left to the consumer.
func (a *Attributes) Tensor(name string) (*api.TensorProto, bool, error) {
	arg, ok := a.byName[name]
	if !ok {
		return nil, false, nil
	}
	if arg.T == nil {
		return nil, true, kindError(arg, "t")
	}
	return arg.T, true, nil
}

func (a *Attributes) toProto() []*api.Argument {
	return a.args
}
