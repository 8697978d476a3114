// Package idempotency implements the header-keyed dedupe guard of spec
// §4.7: wrap a mutating operation so that repeated calls with the same
// (scope, key) return the first call's byte-identical response and produce
// exactly one persisted effect.
//
// Grounded on the teacher's internal/orchestrator/engine.go claim-creation
// path ("check if a claim already exists, idempotency" — GetClaimByArtefactID
// before the mutating insert), generalized from its single lookup-then-skip
// shape to the full lookup/execute/insert-or-refetch algorithm spec §4.7
// requires for at-most-once semantics across process restarts.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orderforge/workorder/internal/ids"
	"github.com/orderforge/workorder/internal/store"
)

// Guard wraps mutating operations with the (scope, keyHash) dedupe algorithm
// of spec §4.7.
type Guard struct {
	store store.Store
	log   *logrus.Entry
}

// New constructs a Guard. A nil log attaches to the standard logger.
func New(st store.Store, log *logrus.Entry) *Guard {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Guard{store: st, log: log}
}

// Execute runs fn under the idempotency guard for (scope, key):
//
//  1. If (scope, keyHash) already has a stored response, return it directly
//     — fn is never invoked.
//  2. Otherwise invoke fn, marshal its result, and attempt to insert the
//     (scope, keyHash, response) row. If a concurrent caller won that race,
//     refetch and return their response instead of fn's.
//
// key == "" bypasses the guard entirely (the caller did not supply an
// idempotency key); fn runs unconditionally and nothing is persisted.
func Execute[T any](ctx context.Context, g *Guard, scope, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if key == "" {
		return fn(ctx)
	}
	keyHash := ids.ScopedKeyHash(key)

	if cached, ok, err := g.lookup(ctx, scope, keyHash); err != nil {
		return zero, fmt.Errorf("idempotency lookup for scope %s: %w", scope, err)
	} else if ok {
		var result T
		if uerr := json.Unmarshal(cached.ResponseSnapshot, &result); uerr != nil {
			return zero, fmt.Errorf("unmarshal cached response for scope %s: %w", scope, uerr)
		}
		g.log.WithFields(logrus.Fields{"scope": scope}).Debug("idempotency hit, returning cached response")
		return result, nil
	}

	result, ferr := fn(ctx)
	if ferr != nil {
		return zero, ferr
	}

	snapshot, merr := json.Marshal(result)
	if merr != nil {
		return zero, fmt.Errorf("marshal response snapshot for scope %s: %w", scope, merr)
	}

	insertErr := g.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertIdempotencyKey(ctx, &store.IdempotencyKeyRow{
			Scope: scope, KeyHash: keyHash, ResponseSnapshot: snapshot,
		})
	})
	if insertErr == nil {
		return result, nil
	}
	if !store.IsConflict(insertErr) {
		return zero, fmt.Errorf("persist idempotency key for scope %s: %w", scope, insertErr)
	}

	// A concurrent caller won the race; fn's effect already happened (and
	// cannot be undone from here), but the concurrent winner's response is
	// the one both callers must observe, so refetch and return it.
	g.log.WithFields(logrus.Fields{"scope": scope}).Warn("idempotency insert conflict; returning concurrent winner's response")
	winner, ok, lerr := g.lookup(ctx, scope, keyHash)
	if lerr != nil {
		return zero, fmt.Errorf("refetch idempotency key for scope %s after conflict: %w", scope, lerr)
	}
	if !ok {
		return zero, fmt.Errorf("idempotency key for scope %s reported a conflict but is missing on refetch", scope)
	}
	var winnerResult T
	if uerr := json.Unmarshal(winner.ResponseSnapshot, &winnerResult); uerr != nil {
		return zero, fmt.Errorf("unmarshal concurrent winner's response for scope %s: %w", scope, uerr)
	}
	return winnerResult, nil
}

func (g *Guard) lookup(ctx context.Context, scope, keyHash string) (*store.IdempotencyKeyRow, bool, error) {
	var row *store.IdempotencyKeyRow
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		r, terr := tx.GetIdempotencyKey(ctx, scope, keyHash)
		if terr != nil {
			if store.IsNotFound(terr) {
				return nil
			}
			return terr
		}
		row = r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return row, row != nil, nil
}

// Scope builds the (entry-point, target) scope tag spec §4.7 names as
// "typically the entry-point name plus target identifier".
func Scope(operation, targetID string) string {
	if targetID == "" {
		return operation
	}
	return operation + ":" + targetID
}
