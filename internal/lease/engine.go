package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store"
)

// Config holds the lease-engine tunables of spec §4.4/§6: TTL default
// 600s, heartbeat cadence default 120s (must be < TTL).
type Config struct {
	TTL            time.Duration
	HeartbeatEvery time.Duration
	// AgentCap, if > 0, bounds how many active leases one agent may hold
	// concurrently (spec §4.4 "per-agent/per-type caps").
	AgentCap int
	// TypeCap, if > 0, bounds how many active leases one item type may
	// have outstanding concurrently.
	TypeCap int
}

// DefaultConfig returns the spec-stated defaults.
func DefaultConfig() Config {
	return Config{TTL: 600 * time.Second, HeartbeatEvery: 120 * time.Second}
}

// Engine composes a pluggable Backend with the persistence model and state
// machine to implement the full acquire/extend/release/reclaim algorithms
// of spec §4.4. The Backend is the sole race-winning primitive for "who
// owns this lease right now"; Engine is what mirrors that outcome into the
// item's state and lease columns under the item's own row lock.
type Engine struct {
	store   store.Store
	machine *statemachine.Machine
	backend Backend
	cfg     Config
	log     *logrus.Entry
	now     func() time.Time
}

// NewEngine constructs an Engine. A nil log attaches to the standard logrus
// logger.
func NewEngine(st store.Store, machine *statemachine.Machine, backend Backend, cfg Config, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{store: st, machine: machine, backend: backend, cfg: cfg, log: log, now: time.Now}
}

// Acquire leases itemID to agentID (spec §4.4 "Acquire"). Refuses with
// ErrConflict if already leased by someone else and not expired, or
// ErrNotLeasable if the item is not in {queued, in_progress}.
func (e *Engine) Acquire(ctx context.Context, itemID, agentID string) (*store.ItemRow, error) {
	if err := e.backend.Acquire(ctx, itemID, agentID, e.cfg.TTL); err != nil {
		return nil, err
	}

	var result *store.ItemRow
	txErr := e.store.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.State != model.ItemQueued && item.State != model.ItemInProgress {
			return ErrNotLeasable
		}

		now := e.now()
		exp := now.Add(e.cfg.TTL)
		item.LeasedByAgentID = &agentID
		item.LeaseExpiresAt = &exp
		item.LastHeartbeatAt = &now

		actor := model.Actor{Kind: model.ActorAgent, ID: agentID}
		if err := e.machine.TransitionItem(ctx, tx, item, model.ItemLeased, actor, statemachine.TransitionOpts{}); err != nil {
			return err
		}
		result = item
		return nil
	})
	if txErr != nil {
		if relErr := e.backend.Release(ctx, itemID, agentID); relErr != nil {
			e.log.WithError(relErr).WithField("item_id", itemID).Warn("failed to roll back backend lease after acquire failure")
		}
		return nil, txErr
	}
	return result, nil
}

// Extend is the heartbeat operation (spec §4.4 "Extend"). Refuses with
// ErrConflict unless agentID currently holds the lease, and ErrExpired if
// it already lapsed.
func (e *Engine) Extend(ctx context.Context, itemID, agentID string) (*store.ItemRow, error) {
	if err := e.backend.Extend(ctx, itemID, agentID, e.cfg.TTL); err != nil {
		if IsConflict(err) {
			// A backend that drops a lapsed lease (rediskv) reports it as a
			// conflict; the item row still names agentID as the holder.
			_ = e.store.WithTx(ctx, func(tx store.Tx) error {
				item, lerr := tx.LockItem(ctx, itemID)
				if lerr == nil && item.LeasedByAgentID != nil && *item.LeasedByAgentID == agentID &&
					item.LeaseExpiresAt != nil && !item.LeaseExpiresAt.After(e.now()) {
					err = ErrExpired
				}
				return nil
			})
		}
		return nil, err
	}

	var result *store.ItemRow
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.LeasedByAgentID == nil || *item.LeasedByAgentID != agentID {
			return ErrConflict
		}
		now := e.now()
		exp := now.Add(e.cfg.TTL)
		item.LeaseExpiresAt = &exp
		item.LastHeartbeatAt = &now
		if uerr := tx.UpdateItem(ctx, item); uerr != nil {
			return fmt.Errorf("update item %s lease: %w", itemID, uerr)
		}
		result = item
		return nil
	})
	return result, err
}

// Release drops itemID's lease and cascades the item back to queued (spec
// §4.4 "Release").
func (e *Engine) Release(ctx context.Context, itemID, agentID string) (*store.ItemRow, error) {
	if err := e.backend.Release(ctx, itemID, agentID); err != nil {
		return nil, err
	}

	var result *store.ItemRow
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		item.LeasedByAgentID = nil
		item.LeaseExpiresAt = nil
		item.LastHeartbeatAt = nil

		actor := model.Actor{Kind: model.ActorAgent, ID: agentID}
		if err := e.machine.TransitionItem(ctx, tx, item, model.ItemQueued, actor, statemachine.TransitionOpts{}); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

// Reclaim sweeps the persistence layer for items with an expired lease
// (spec §4.4 "Reclaim (background)"), incrementing attempts and either
// transitioning back to queued or, at maxAttempts, to failed with
// diagnostic code max_attempts_exceeded. Processes one item at a time
// under its own row lock; partial failures do not abort the sweep.
func (e *Engine) Reclaim(ctx context.Context, limit int) (reclaimed int, deadEnded int, err error) {
	var candidates []*store.ItemRow
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		var lerr error
		candidates, lerr = tx.ListExpiredLeaseItems(ctx, e.now(), limit)
		return lerr
	})
	if err != nil {
		return 0, 0, fmt.Errorf("list expired lease items: %w", err)
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	if _, berr := e.backend.Reclaim(ctx, ids); berr != nil {
		e.log.WithError(berr).Warn("backend reclaim reported an error; continuing with database-side reclaim")
	}

	for _, itemID := range ids {
		txErr := e.store.WithTx(ctx, func(tx store.Tx) error {
			item, lerr := tx.LockItem(ctx, itemID)
			if lerr != nil {
				return lerr
			}
			if item.LeaseExpiresAt == nil || !item.LeaseExpiresAt.Before(e.now()) {
				return nil // already reclaimed or renewed concurrently
			}
			item.Attempts++
			item.LeasedByAgentID = nil
			item.LeaseExpiresAt = nil
			item.LastHeartbeatAt = nil

			if item.Attempts >= item.MaxAttempts {
				diag := model.ErrorDiagnostic{Code: "max_attempts_exceeded", Message: "lease reclaim exhausted max attempts", RecordedAt: e.now()}
				b, merr := jsonMarshal(diag)
				if merr != nil {
					return merr
				}
				item.Error = b
				if terr := e.machine.TransitionItem(ctx, tx, item, model.ItemFailed, model.SystemActor,
					statemachine.TransitionOpts{Payload: jsonMustMarshal(map[string]int{"attempts": item.Attempts})}); terr != nil {
					return terr
				}
				deadEnded++
				return nil
			}

			if terr := e.machine.TransitionItem(ctx, tx, item, model.ItemQueued, model.SystemActor,
				statemachine.TransitionOpts{Payload: jsonMustMarshal(map[string]int{"attempts": item.Attempts})}); terr != nil {
				return terr
			}
			if eerr := e.machine.RecordDiagnosticEvent(ctx, tx, item.OrderID, model.EventLeaseExpired,
				jsonMustMarshal(map[string]int{"attempts": item.Attempts})); eerr != nil {
				return eerr
			}
			reclaimed++
			return nil
		})
		if txErr != nil {
			e.log.WithError(txErr).WithField("item_id", itemID).Error("reclaim failed for item; continuing sweep")
		}
	}
	return reclaimed, deadEnded, nil
}

// GetOwner, GetTTL and GetAllLeases pass through to the backend, the
// authoritative source of current lease ownership.
func (e *Engine) GetOwner(ctx context.Context, itemID string) (string, bool, error) {
	return e.backend.GetOwner(ctx, itemID)
}

func (e *Engine) GetTTL(ctx context.Context, itemID string) (time.Duration, bool, error) {
	return e.backend.GetTTL(ctx, itemID)
}

func (e *Engine) GetAllLeases(ctx context.Context) (map[string]string, error) {
	return e.backend.GetAllLeases(ctx)
}
