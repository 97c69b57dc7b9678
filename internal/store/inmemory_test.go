package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flowstate/engine/internal/statefn"
)

func TestInMemoryStorePutGet(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	e, err := s.Put(ctx, "Account", "a1", json.RawMessage(`{"balance":10}`), nil)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if e.Version != 1 {
		t.Fatalf("expected version 1, got %d", e.Version)
	}

	got, err := s.Get(ctx, "Account", "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != `{"balance":10}` {
		t.Fatalf("unexpected value %s", got.Value)
	}
}

func TestInMemoryStoreOptimisticConcurrency(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	s.Put(ctx, "Account", "a1", json.RawMessage(`{"balance":10}`), nil)

	_, err := s.Put(ctx, "Account", "a1", json.RawMessage(`{"balance":20}`), &statefn.PutOptions{ExpectedVersion: 99})
	if err == nil {
		t.Fatalf("expected a version conflict error")
	}

	_, err = s.Put(ctx, "Account", "a1", json.RawMessage(`{"balance":20}`), &statefn.PutOptions{ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("expected the correct expected version to succeed, got %v", err)
	}
}

func TestInMemoryStoreGetMissing(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Get(context.Background(), "Account", "missing")
	if err != statefn.ErrStateNotFound {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestInMemoryStoreListPrefixAndLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	s.Put(ctx, "Session", "user:1", json.RawMessage(`1`), nil)
	s.Put(ctx, "Session", "user:2", json.RawMessage(`2`), nil)
	s.Put(ctx, "Session", "other:1", json.RawMessage(`3`), nil)

	entries, err := s.List(ctx, "Session", &statefn.ListOptions{Prefix: "user:", Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry due to limit, got %d", len(entries))
	}
	if entries[0].Key != "user:1" {
		t.Fatalf("expected user:1 first, got %s", entries[0].Key)
	}
}
