// Package plumbing resolves the inputs a split invocation needs from the
// values produced along the path that led to it, and matches them against a
// callee's declared parameter order.
package plumbing

import "encoding/json"

// Arguments is an ordered, named vector of values aligned to a method's
// declared parameter order — the shape InvokeSplitFun carries as its call
// input and Return carries as its result.
type Arguments struct {
	names  []string
	values map[string]json.RawMessage
}

// NewArguments builds an empty Arguments vector.
func NewArguments() *Arguments {
	return &Arguments{values: make(map[string]json.RawMessage)}
}

// Set binds name to value, appending name to the declared order the first
// time it is set.
func (a *Arguments) Set(name string, value json.RawMessage) {
	if _, ok := a.values[name]; !ok {
		a.names = append(a.names, name)
	}
	a.values[name] = value
}

// Get returns the value bound to name, if any.
func (a *Arguments) Get(name string) (json.RawMessage, bool) {
	v, ok := a.values[name]
	return v, ok
}

// Names returns the bound names in the order they were first set.
func (a *Arguments) Names() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}

// Len reports how many names are bound.
func (a *Arguments) Len() int {
	return len(a.names)
}

// InputDescriptor is a callee's declared, ordered parameter list, used to
// validate that a resolved Arguments vector supplies everything required.
type InputDescriptor struct {
	Params []string
}

// ErrMissingInput names the first declared parameter an Arguments vector
// failed to supply.
type ErrMissingInput struct {
	Param string
}

func (e *ErrMissingInput) Error() string {
	return "plumbing: missing required input " + e.Param
}

// Match verifies that args supplies a value for every parameter d
// declares, returning them in declared order, or the first missing one.
func (d *InputDescriptor) Match(args *Arguments) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(d.Params))
	for _, p := range d.Params {
		v, ok := args.Get(p)
		if !ok {
			return nil, &ErrMissingInput{Param: p}
		}
		out = append(out, v)
	}
	return out, nil
}
