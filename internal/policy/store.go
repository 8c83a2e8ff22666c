// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
)

// Version history retention.
const versionTTL = 30 * 24 * time.Hour

// Store is the persistence surface the engine needs: an ordered KV with
// TTL plus a set-valued selector index.
type Store interface {
	SavePolicy(ctx context.Context, p *Policy, ttl time.Duration) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	DeletePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context) ([]*Policy, error)

	SaveVersion(ctx context.Context, p *Policy) error
	GetVersion(ctx context.Context, id string, version int) (*Policy, error)

	IndexAdd(ctx context.Context, selectorKey, policyID string) error
	IndexRemove(ctx context.Context, selectorKey, policyID string) error
	IndexGet(ctx context.Context, selectorKey string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

func policyKey(id string) string         { return "policy:" + id }
func versionKey(id string, v int) string { return fmt.Sprintf("policy_version:%s:%d", id, v) }
func indexKey(selector string) string    { return "rule_index:" + selector }

// RedisStore persists policies in Redis.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, errors.KindUnavailable, "redis ping %s", addr)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) SavePolicy(ctx context.Context, p *Policy, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal policy")
	}
	return s.rdb.Set(ctx, policyKey(p.ID), data, ttl).Err()
}

func (s *RedisStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	data, err := s.rdb.Get(ctx, policyKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.Errorf(errors.KindNotFound, "policy %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "redis get")
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "unmarshal policy")
	}
	return &p, nil
}

func (s *RedisStore) DeletePolicy(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, policyKey(id)).Err()
}

func (s *RedisStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	var out []*Policy
	iter := s.rdb.Scan(ctx, 0, "policy:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, "policy_version:") {
			continue
		}
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "redis scan")
	}
	return out, nil
}

func (s *RedisStore) SaveVersion(ctx context.Context, p *Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal policy version")
	}
	return s.rdb.Set(ctx, versionKey(p.ID, p.Version), data, versionTTL).Err()
}

func (s *RedisStore) GetVersion(ctx context.Context, id string, version int) (*Policy, error) {
	data, err := s.rdb.Get(ctx, versionKey(id, version)).Bytes()
	if err == redis.Nil {
		return nil, errors.Errorf(errors.KindNotFound, "policy %s version %d not in history", id, version)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "redis get version")
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "unmarshal policy version")
	}
	return &p, nil
}

func (s *RedisStore) IndexAdd(ctx context.Context, selectorKey, policyID string) error {
	return s.rdb.SAdd(ctx, indexKey(selectorKey), policyID).Err()
}

func (s *RedisStore) IndexRemove(ctx context.Context, selectorKey, policyID string) error {
	return s.rdb.SRem(ctx, indexKey(selectorKey), policyID).Err()
}

func (s *RedisStore) IndexGet(ctx context.Context, selectorKey string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey(selectorKey)).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "redis smembers")
	}
	return ids, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// MemoryStore is the in-process fallback when no KV endpoint is
// configured. TTLs are enforced lazily on read.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	expiry   map[string]time.Time
	versions map[string]*Policy
	index    map[string]map[string]bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*Policy),
		expiry:   make(map[string]time.Time),
		versions: make(map[string]*Policy),
		index:    make(map[string]map[string]bool),
	}
}

func clonePolicy(p *Policy) *Policy {
	data, _ := json.Marshal(p)
	var out Policy
	json.Unmarshal(data, &out)
	return &out
}

func (s *MemoryStore) SavePolicy(_ context.Context, p *Policy, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = clonePolicy(p)
	if ttl > 0 {
		s.expiry[p.ID] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, p.ID)
	}
	return nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "policy %s not found", id)
	}
	if exp, has := s.expiry[id]; has && time.Now().After(exp) {
		return nil, errors.Errorf(errors.KindNotFound, "policy %s expired", id)
	}
	return clonePolicy(p), nil
}

func (s *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	delete(s.expiry, id)
	return nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	out := make([]*Policy, 0, len(s.policies))
	for id, p := range s.policies {
		if exp, has := s.expiry[id]; has && now.After(exp) {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	return out, nil
}

func (s *MemoryStore) SaveVersion(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[versionKey(p.ID, p.Version)] = clonePolicy(p)
	return nil
}

func (s *MemoryStore) GetVersion(_ context.Context, id string, version int) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.versions[versionKey(id, version)]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "policy %s version %d not in history", id, version)
	}
	return clonePolicy(p), nil
}

func (s *MemoryStore) IndexAdd(_ context.Context, selectorKey, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.index[selectorKey]
	if !ok {
		set = make(map[string]bool)
		s.index[selectorKey] = set
	}
	set[policyID] = true
	return nil
}

func (s *MemoryStore) IndexRemove(_ context.Context, selectorKey, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.index[selectorKey]; ok {
		delete(set, policyID)
		if len(set) == 0 {
			delete(s.index, selectorKey)
		}
	}
	return nil
}

func (s *MemoryStore) IndexGet(_ context.Context, selectorKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.index[selectorKey]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
