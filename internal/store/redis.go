package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowstate/engine/internal/statefn"
)

// RedisStore implements statefn.StateStore atop Redis hashes: one hash per
// function ID, field per key, value is the JSON-encoded wire record below.
// A Lua script enforces the ExpectedVersion compare-and-set atomically,
// since Redis has no native multi-field CAS on a hash field.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore. prefix namespaces every key this
// store touches, analogous to cache.RedisCache's KeyPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dataflow:state:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

type record struct {
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func (s *RedisStore) hashKey(functionID string) string {
	return s.prefix + functionID
}

func (s *RedisStore) Get(ctx context.Context, functionID, key string) (*statefn.Entry, error) {
	raw, err := s.client.HGet(ctx, s.hashKey(functionID), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, statefn.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("store: decode: %w", err)
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Before(time.Now()) {
		s.client.HDel(ctx, s.hashKey(functionID), key)
		return nil, statefn.ErrStateNotFound
	}
	return toEntry(functionID, key, r), nil
}

// casScript atomically checks the stored version (or absence) against the
// expected one before writing, mirroring the Postgres implementation's
// SELECT ... FOR UPDATE then conditional UPDATE, without a round trip.
var casScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
local expected = tonumber(ARGV[2])
if expected ~= 0 then
	if current == false then
		return {err = "not_found"}
	end
	local decoded = cjson.decode(current)
	if decoded.version ~= expected then
		return {err = "conflict"}
	end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return "OK"
`)

func (s *RedisStore) Put(ctx context.Context, functionID, key string, value json.RawMessage, opts *statefn.PutOptions) (*statefn.Entry, error) {
	now := time.Now()
	existing, err := s.Get(ctx, functionID, key)
	version := int64(1)
	createdAt := now
	if err == nil {
		version = existing.Version + 1
		createdAt = existing.CreatedAt
	} else if !errors.Is(err, statefn.ErrStateNotFound) {
		return nil, err
	}

	var expiresAt *time.Time
	if opts != nil && opts.TTL > 0 {
		t := now.Add(opts.TTL)
		expiresAt = &t
	}

	r := record{Value: value, Version: version, CreatedAt: createdAt, UpdatedAt: now, ExpiresAt: expiresAt}
	encoded, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}

	expectedVersion := int64(0)
	if opts != nil {
		expectedVersion = opts.ExpectedVersion
	}
	res, err := casScript.Run(ctx, s.client, []string{s.hashKey(functionID)}, key, expectedVersion, encoded).Result()
	if err != nil {
		if strings.Contains(err.Error(), "not_found") {
			return nil, statefn.ErrStateNotFound
		}
		if strings.Contains(err.Error(), "conflict") {
			return nil, fmt.Errorf("store: version conflict: expected %d", expectedVersion)
		}
		return nil, fmt.Errorf("store: put: %w", err)
	}
	_ = res
	return toEntry(functionID, key, r), nil
}

func (s *RedisStore) Delete(ctx context.Context, functionID, key string) error {
	if err := s.client.HDel(ctx, s.hashKey(functionID), key).Err(); err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, functionID string, opts *statefn.ListOptions) ([]*statefn.Entry, error) {
	all, err := s.client.HGetAll(ctx, s.hashKey(functionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}

	prefix, limit, offset := "", 0, 0
	if opts != nil {
		prefix, limit, offset = opts.Prefix, opts.Limit, opts.Offset
	}

	keys := make([]string, 0, len(all))
	for k := range all {
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
	now := time.Now()
	for _, k := range keys {
		var r record
		if err := json.Unmarshal([]byte(all[k]), &r); err != nil {
			return nil, fmt.Errorf("store: decode %q: %w", k, err)
		}
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, toEntry(functionID, k, r))
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toEntry(functionID, key string, r record) *statefn.Entry {
	return &statefn.Entry{
		FunctionID: functionID,
		Key:        key,
		Value:      r.Value,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}
