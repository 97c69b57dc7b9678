// Package classwrapper adapts a user class's constructor and methods to the
// uniform invocation contract the interpreter and stateful operator drive
// EFG nodes through.
package classwrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// ResultKind tags which shape an InvocationResult carries.
type ResultKind int

const (
	// ResultValue carries an ordinary returned value.
	ResultValue ResultKind = iota
	// ResultError carries a user-method error (distinct from a wrapper or
	// transport failure, which is returned as a Go error instead).
	ResultError
)

// InvocationResult is the tagged union InvokeWithInstance returns: either a
// produced value or a propagated user-level error, never both.
type InvocationResult struct {
	Kind  ResultKind
	Value json.RawMessage
	Err   string
}

// Wrapper adapts one user class to the invocation contract the interpreter
// needs: constructing a fresh instance, and invoking a named method against
// an existing instance snapshot.
type Wrapper interface {
	// InvokeReturnInstance runs a constructor-like method (normally
	// __init__) and returns the resulting serialized instance state.
	InvokeReturnInstance(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error)

	// InvokeWithInstance runs method against instance (the self-attribute
	// snapshot as last persisted), returning the method's own result
	// alongside the (possibly mutated) instance state.
	InvokeWithInstance(ctx context.Context, instance json.RawMessage, method string, args []json.RawMessage) (InvocationResult, json.RawMessage, error)
}

// ErrMethodNotFound is returned when a wrapper is asked to invoke a method
// its underlying class does not declare.
type ErrMethodNotFound struct {
	Class  string
	Method string
}

func (e *ErrMethodNotFound) Error() string {
	return fmt.Sprintf("classwrapper: %s has no method %s", e.Class, e.Method)
}

// ReflectWrapper is the default Wrapper: it drives a registered Go type via
// reflection, matching method names and marshaling arguments/results
// through encoding/json. It is a reasonable default for classes compiled
// straight from Go structs; a generated or language-specific wrapper can
// replace it per function type.
type ReflectWrapper struct {
	className string
	factory   func() any // constructs a zero-value instance of the wrapped type
}

// NewReflectWrapper builds a ReflectWrapper for className, whose instances
// are produced by factory (typically `func() any { return &MyClass{} }`).
func NewReflectWrapper(className string, factory func() any) *ReflectWrapper {
	return &ReflectWrapper{className: className, factory: factory}
}

func (w *ReflectWrapper) InvokeReturnInstance(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	instance := w.factory()
	_, err := w.invoke(ctx, instance, method, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(instance)
}

func (w *ReflectWrapper) InvokeWithInstance(ctx context.Context, instance json.RawMessage, method string, args []json.RawMessage) (InvocationResult, json.RawMessage, error) {
	target := w.factory()
	if len(instance) > 0 {
		if err := json.Unmarshal(instance, target); err != nil {
			return InvocationResult{}, nil, fmt.Errorf("classwrapper: decode instance: %w", err)
		}
	}

	result, err := w.invoke(ctx, target, method, args)
	if err != nil {
		if userErr, ok := err.(*userMethodError); ok {
			next, marshalErr := json.Marshal(target)
			if marshalErr != nil {
				return InvocationResult{}, nil, marshalErr
			}
			return InvocationResult{Kind: ResultError, Err: userErr.Error()}, next, nil
		}
		return InvocationResult{}, nil, err
	}

	next, err := json.Marshal(target)
	if err != nil {
		return InvocationResult{}, nil, err
	}

	var value json.RawMessage
	if result.IsValid() && !result.IsZero() {
		value, err = json.Marshal(result.Interface())
		if err != nil {
			return InvocationResult{}, nil, err
		}
	}
	return InvocationResult{Kind: ResultValue, Value: value}, next, nil
}

type userMethodError struct{ error }

// invoke calls method on target via reflection, passing ctx first when the
// method accepts a context.Context, then one reflect.Value per arg decoded
// against the method's declared parameter type. A final returned error
// value, a missing argument, or an argument that fails to decode against
// its declared parameter type are all surfaced as a *userMethodError so
// InvokeWithInstance can route them back into the instance's own
// InvocationResult (FailedInvocation) rather than failing the whole
// invocation.
func (w *ReflectWrapper) invoke(ctx context.Context, target any, method string, args []json.RawMessage) (reflect.Value, error) {
	v := reflect.ValueOf(target)
	m := v.MethodByName(method)
	if !m.IsValid() {
		return reflect.Value{}, &ErrMethodNotFound{Class: w.className, Method: method}
	}

	mt := m.Type()
	in := make([]reflect.Value, 0, mt.NumIn())
	argIdx := 0
	for i := 0; i < mt.NumIn(); i++ {
		paramType := mt.In(i)
		if i == 0 && paramType == reflect.TypeOf((*context.Context)(nil)).Elem() {
			in = append(in, reflect.ValueOf(ctx))
			continue
		}
		if argIdx >= len(args) {
			return reflect.Value{}, &userMethodError{fmt.Errorf("classwrapper: %s.%s expects more arguments than supplied", w.className, method)}
		}
		argVal := reflect.New(paramType)
		if err := json.Unmarshal(args[argIdx], argVal.Interface()); err != nil {
			return reflect.Value{}, &userMethodError{fmt.Errorf("classwrapper: decode argument %d for %s.%s: %w", argIdx, w.className, method, err)}
		}
		in = append(in, argVal.Elem())
		argIdx++
	}

	out := m.Call(in)
	var result reflect.Value
	var errResult error
	for _, o := range out {
		if o.Type() == reflect.TypeOf((*error)(nil)).Elem() {
			if !o.IsNil() {
				errResult = &userMethodError{o.Interface().(error)}
			}
			continue
		}
		result = o
	}
	return result, errResult
}
