// Package rediskv is the Redis-backed lease backend of spec §4.4: leases
// are SETNX'd with a TTL under a namespaced key, extended with an
// atomic compare-and-expire script, and released with an atomic
// compare-and-delete script, so ownership is always decided by Redis
// rather than a round trip of separate GET+SET calls. Modeled on the
// teacher's pkg/blackboard Redis client (connection setup, redis.Nil
// handling, retry-on-transient-error shape).
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/orderforge/workorder/internal/lease"
)

const keyPrefix = "workorder:lease:"

// compareAndExpire extends ttl only if the stored owner still equals the
// caller's agentID; otherwise it is a no-op, signalled by returning 0.
var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// compareAndDelete deletes the key only if the stored owner still equals
// the caller's agentID.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Backend implements lease.Backend over a single Redis key per item,
// value = owning agentID, Redis TTL = lease TTL.
type Backend struct {
	client *redis.Client
	// retry bounds the compare-and-expire round trip against transient
	// Redis errors (connection reset, READONLY during failover); it never
	// retries a clean "not the owner" result.
	retry func() backoff.BackOff
}

// New constructs a Backend over client, using a capped exponential
// backoff (max ~1s total) for transient-error retry on Extend.
func New(client *redis.Client) *Backend {
	return &Backend{
		client: client,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = time.Second
			return b
		},
	}
}

func key(itemID string) string {
	return keyPrefix + itemID
}

func (b *Backend) Acquire(ctx context.Context, itemID, agentID string, ttl time.Duration) error {
	ok, err := b.client.SetNX(ctx, key(itemID), agentID, ttl).Result()
	if err != nil {
		return fmt.Errorf("rediskv acquire %s: %w", itemID, err)
	}
	if ok {
		return nil
	}

	// Key exists: either held by someone else (conflict) or already held
	// by this agent (idempotent re-acquire, e.g. retried request).
	owner, err := b.client.Get(ctx, key(itemID)).Result()
	if errors.Is(err, redis.Nil) {
		// Raced with an expiry between SetNX and Get; try once more.
		ok, err = b.client.SetNX(ctx, key(itemID), agentID, ttl).Result()
		if err != nil {
			return fmt.Errorf("rediskv acquire %s retry: %w", itemID, err)
		}
		if ok {
			return nil
		}
		return lease.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("rediskv acquire %s: get owner: %w", itemID, err)
	}
	if owner == agentID {
		return b.client.PExpire(ctx, key(itemID), ttl).Err()
	}
	return lease.ErrConflict
}

func (b *Backend) Extend(ctx context.Context, itemID, agentID string, ttl time.Duration) error {
	var res int64
	op := func() error {
		v, err := compareAndExpireScript.Run(ctx, b.client, []string{key(itemID)}, agentID, ttl.Milliseconds()).Int64()
		if err != nil {
			return err
		}
		res = v
		return nil
	}
	if err := backoff.Retry(op, b.retry()); err != nil {
		return fmt.Errorf("rediskv extend %s: %w", itemID, err)
	}
	if res == 0 {
		return lease.ErrConflict
	}
	return nil
}

func (b *Backend) Release(ctx context.Context, itemID, agentID string) error {
	res, err := compareAndDeleteScript.Run(ctx, b.client, []string{key(itemID)}, agentID).Int64()
	if err != nil {
		return fmt.Errorf("rediskv release %s: %w", itemID, err)
	}
	if res == 0 {
		return lease.ErrConflict
	}
	return nil
}

// Reclaim is a no-op: Redis TTL expiry already frees the key, so there is
// nothing for the backend itself to reclaim. The database-side state
// transition back to queued is driven by internal/lease.Engine.Reclaim.
func (b *Backend) Reclaim(ctx context.Context, itemIDs []string) (int, error) {
	return 0, nil
}

func (b *Backend) GetOwner(ctx context.Context, itemID string) (string, bool, error) {
	owner, err := b.client.Get(ctx, key(itemID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rediskv get owner %s: %w", itemID, err)
	}
	return owner, true, nil
}

func (b *Backend) GetTTL(ctx context.Context, itemID string) (time.Duration, bool, error) {
	ttl, err := b.client.PTTL(ctx, key(itemID)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("rediskv get ttl %s: %w", itemID, err)
	}
	if ttl <= 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (b *Backend) GetAllLeases(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	iter := b.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		v, err := b.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rediskv get all leases: %w", err)
		}
		out[k[len(keyPrefix):]] = v
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("rediskv get all leases: scan: %w", err)
	}
	return out, nil
}

func (b *Backend) ClearAll(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("rediskv clear all: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}
