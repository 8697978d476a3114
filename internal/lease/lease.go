// Package lease defines the pluggable lease backend of spec §4.4: acquire,
// extend (heartbeat), release, reclaim, and lease-inspection operations
// keyed by item identifier. Two backends satisfy Backend —
// internal/lease/pglock (database row-lock) and internal/lease/rediskv
// (Redis key-value) — and neither ever takes the other's lock (spec §5).
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Acquire when the item is already leased by a
// different, non-expired holder, and by Extend when the caller does not
// hold the current lease.
var ErrConflict = errors.New("lease: held by another agent")

// ErrExpired is returned by Extend when the caller's lease has already
// expired (spec §4.4 "refuse if leaseExpiresAt <= now with LeaseExpired").
var ErrExpired = errors.New("lease: expired")

// ErrNotLeasable is returned by Acquire when the item is not in a state
// that can be leased ({queued, in_progress}).
var ErrNotLeasable = errors.New("lease: item not in a leasable state")

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsExpired reports whether err is (or wraps) ErrExpired.
func IsExpired(err error) bool { return errors.Is(err, ErrExpired) }

// Backend is the single interface both lease implementations satisfy (spec
// §4.4): `{acquire, extend, release, reclaim, getOwner, getTtl,
// getAllLeases, clearAll}`.
type Backend interface {
	// Acquire grants itemID to agentID for ttl, failing with ErrConflict if
	// another agent already holds a non-expired lease.
	Acquire(ctx context.Context, itemID, agentID string, ttl time.Duration) error

	// Extend resets itemID's lease to ttl from now, failing with
	// ErrConflict if agentID does not hold it, or ErrExpired if the
	// previous lease already lapsed. The key-value backend keeps nothing of
	// a lapsed lease and reports it as ErrConflict; Engine.Extend then
	// consults the item row and returns ErrExpired.
	Extend(ctx context.Context, itemID, agentID string, ttl time.Duration) error

	// Release drops itemID's lease, failing with ErrConflict if agentID
	// does not hold it.
	Release(ctx context.Context, itemID, agentID string) error

	// Reclaim is told which itemIDs Engine.Reclaim found expired and
	// returns the count it cleared. Both shipped backends return zero
	// without doing anything: the key-value backend relies on TTL expiry,
	// and the row-lock backend's lease columns are cleared by
	// Engine.Reclaim itself.
	Reclaim(ctx context.Context, itemIDs []string) (int, error)

	// GetOwner returns the current lease holder, if any.
	GetOwner(ctx context.Context, itemID string) (agentID string, ok bool, err error)

	// GetTTL returns the remaining lease duration, if any.
	GetTTL(ctx context.Context, itemID string) (ttl time.Duration, ok bool, err error)

	// GetAllLeases returns every currently-held lease, itemID -> agentID.
	GetAllLeases(ctx context.Context) (map[string]string, error)

	// ClearAll drops every lease this backend holds. Used by tests and by
	// operator-triggered full resets; never called from the mutating
	// request paths.
	ClearAll(ctx context.Context) error
}
