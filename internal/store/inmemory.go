package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowstate/engine/internal/statefn"
)

// InMemoryStore implements statefn.StateStore with a mutex-guarded map, for
// unit tests and the single-process operator harness.
type InMemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]record
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]map[string]record)}
}

func (s *InMemoryStore) Get(ctx context.Context, functionID, key string) (*statefn.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[functionID][key]
	if !ok {
		return nil, statefn.ErrStateNotFound
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Before(time.Now()) {
		delete(s.data[functionID], key)
		return nil, statefn.ErrStateNotFound
	}
	return toEntry(functionID, key, r), nil
}

func (s *InMemoryStore) Put(ctx context.Context, functionID, key string, value json.RawMessage, opts *statefn.PutOptions) (*statefn.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[functionID] == nil {
		s.data[functionID] = make(map[string]record)
	}
	existing, ok := s.data[functionID][key]

	if opts != nil && opts.ExpectedVersion != 0 {
		if !ok {
			return nil, statefn.ErrStateNotFound
		}
		if existing.Version != opts.ExpectedVersion {
			return nil, fmt.Errorf("store: version conflict: expected %d, got %d", opts.ExpectedVersion, existing.Version)
		}
	}

	now := time.Now()
	version := int64(1)
	createdAt := now
	if ok {
		version = existing.Version + 1
		createdAt = existing.CreatedAt
	}
	var expiresAt *time.Time
	if opts != nil && opts.TTL > 0 {
		t := now.Add(opts.TTL)
		expiresAt = &t
	}

	r := record{Value: value, Version: version, CreatedAt: createdAt, UpdatedAt: now, ExpiresAt: expiresAt}
	s.data[functionID][key] = r
	return toEntry(functionID, key, r), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, functionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[functionID], key)
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, functionID string, opts *statefn.ListOptions) ([]*statefn.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix, limit, offset := "", 0, 0
	if opts != nil {
		prefix, limit, offset = opts.Prefix, opts.Limit, opts.Offset
	}

	keys := make([]string, 0, len(s.data[functionID]))
	for k := range s.data[functionID] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if offset > len(keys) {
		offset = len(keys)
	}
	keys = keys[offset:]
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}

	out := make([]*statefn.Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, toEntry(functionID, k, s.data[functionID][k]))
	}
	return out, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
