// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(rdb)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func testPolicy(id string, version int) *Policy {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Policy{
		ID:      id,
		Version: version,
		Status:  StatusActive,
		Intent:  Intent{Name: "t", Action: ActionDeny, SourceIP: "10.0.0.1", DestPort: 22, Protocol: "TCP"},
		Rules: []Rule{{
			ID: "rule-" + id, Action: ActionDeny, Protocol: "TCP",
			SourceCIDR: "10.0.0.1/32", DestPort: 22, Direction: "ingress",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	p := testPolicy("p1", 1)
	require.NoError(t, store.SavePolicy(ctx, p, 0))

	got, err := store.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.Rules[0].SourceCIDR, got.Rules[0].SourceCIDR)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))

	_, err = store.GetPolicy(ctx, "missing")
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePolicy(ctx, testPolicy("p1", 1), 10*time.Second))
	mr.FastForward(11 * time.Second)

	_, err := store.GetPolicy(ctx, "p1")
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestRedisStoreListSkipsVersionKeys(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePolicy(ctx, testPolicy("p1", 2), 0))
	require.NoError(t, store.SavePolicy(ctx, testPolicy("p2", 1), 0))
	require.NoError(t, store.SaveVersion(ctx, testPolicy("p1", 1)))

	got, err := store.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRedisStoreVersionHistory(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, testPolicy("p1", 1)))
	require.NoError(t, store.SaveVersion(ctx, testPolicy("p1", 2)))

	v1, err := store.GetVersion(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	// History falls out after the retention window.
	mr.FastForward(versionTTL + time.Hour)
	_, err = store.GetVersion(ctx, "p1", 1)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestRedisStoreIndex(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	key := "10.0.0.1/32:*:22:TCP"

	require.NoError(t, store.IndexAdd(ctx, key, "p1"))
	require.NoError(t, store.IndexAdd(ctx, key, "p2"))
	require.NoError(t, store.IndexAdd(ctx, key, "p1")) // set semantics

	ids, err := store.IndexGet(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)

	require.NoError(t, store.IndexRemove(ctx, key, "p1"))
	ids, err = store.IndexGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids)
}

func TestMemoryStoreMatchesRedisBehavior(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	p := testPolicy("p1", 1)
	require.NoError(t, store.SavePolicy(ctx, p, 0))

	got, err := store.GetPolicy(ctx, "p1")
	require.NoError(t, err)

	// Mutating the returned copy must not leak into the store.
	got.Rules[0].DestPort = 9999
	again, err := store.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 22, again.Rules[0].DestPort)

	_, err = store.GetPolicy(ctx, "missing")
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	require.NoError(t, store.IndexAdd(ctx, "k", "p1"))
	ids, err := store.IndexGet(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)
}

func TestEngineWithRedisStore(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	eng := NewEngine(store, nil)

	res, err := eng.Create(ctx, denyIntent("203.0.113.9", 8443), false)
	require.NoError(t, err)

	conflicting := denyIntent("203.0.113.9", 8443)
	conflicting.Action = ActionAllow
	_, err = eng.Create(ctx, conflicting, false)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	require.NoError(t, eng.Delete(ctx, res.Policy.ID))
	_, err = eng.Create(ctx, conflicting, false)
	assert.NoError(t, err)
}
