package classwrapper

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type account struct {
	Balance int `json:"balance"`
}

func (a *account) Credit(amount int) {
	a.Balance += amount
}

func (a *account) Withdraw(amount int) error {
	if amount > a.Balance {
		return errors.New("insufficient funds")
	}
	a.Balance -= amount
	return nil
}

func (a *account) Balance2(ctx context.Context) int {
	return a.Balance
}

func TestReflectWrapperInvokeReturnInstance(t *testing.T) {
	w := NewReflectWrapper("Account", func() any { return &account{} })
	instance, err := w.InvokeReturnInstance(context.Background(), "Credit", []json.RawMessage{json.RawMessage(`100`)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var a account
	if err := json.Unmarshal(instance, &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", a.Balance)
	}
}

func TestReflectWrapperInvokeWithInstanceReturnsUserError(t *testing.T) {
	w := NewReflectWrapper("Account", func() any { return &account{} })
	instance, _ := json.Marshal(account{Balance: 10})

	result, _, err := w.InvokeWithInstance(context.Background(), instance, "Withdraw", []json.RawMessage{json.RawMessage(`50`)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Kind != ResultError {
		t.Fatalf("expected a user-level error result, got %+v", result)
	}
}

// TestReflectWrapperDecodeFailureReturnsUserError covers an argument that
// doesn't decode against the method's declared parameter type: it must come
// back as a ResultError InvocationResult (so the operator replies
// FailedInvocation) rather than a hard Go error.
func TestReflectWrapperDecodeFailureReturnsUserError(t *testing.T) {
	w := NewReflectWrapper("Account", func() any { return &account{} })
	instance, _ := json.Marshal(account{Balance: 10})

	result, next, err := w.InvokeWithInstance(context.Background(), instance, "Credit", []json.RawMessage{json.RawMessage(`"100"`)})
	if err != nil {
		t.Fatalf("expected a ResultError InvocationResult, not a hard error: %v", err)
	}
	if result.Kind != ResultError {
		t.Fatalf("expected a user-level error result, got %+v", result)
	}
	var a account
	if err := json.Unmarshal(next, &a); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	if a.Balance != 10 {
		t.Fatalf("expected state unchanged at balance 10, got %d", a.Balance)
	}
}

// TestReflectWrapperMissingArgumentReturnsUserError covers the sibling case
// of too few arguments supplied for a method's parameter list.
func TestReflectWrapperMissingArgumentReturnsUserError(t *testing.T) {
	w := NewReflectWrapper("Account", func() any { return &account{} })
	instance, _ := json.Marshal(account{Balance: 10})

	result, _, err := w.InvokeWithInstance(context.Background(), instance, "Credit", nil)
	if err != nil {
		t.Fatalf("expected a ResultError InvocationResult, not a hard error: %v", err)
	}
	if result.Kind != ResultError {
		t.Fatalf("expected a user-level error result, got %+v", result)
	}
}

func TestReflectWrapperMethodNotFound(t *testing.T) {
	w := NewReflectWrapper("Account", func() any { return &account{} })
	_, _, err := w.InvokeWithInstance(context.Background(), json.RawMessage(`{}`), "DoesNotExist", nil)
	var nf *ErrMethodNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrMethodNotFound, got %v", err)
	}
}
