// Package maintenance implements the tick loop of spec §4.8: three
// independent, idempotent passes — reclaim expired leases, dead-letter
// stuck work, and surface stale orders — driven externally on a tick, with
// no daemon inside the core itself. A failure in one pass must not prevent
// the others from running.
//
// Grounded on the teacher's internal/orchestrator/engine.go periodic
// reconciliation sweep (ReconcileClaims), generalized from its single
// expired-claim pass into the three named passes of spec §4.8, and on
// pkg/blackboard/client.go's workflow-events Pub/Sub channel for
// broadcasting what each pass did.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orderforge/workorder/internal/lease"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store"
)

// Config holds the tick loop's staleness thresholds (spec §6).
type Config struct {
	DeadLetterAfter     time.Duration
	StaleOrderThreshold time.Duration
	ReclaimBatchSize    int
}

// Publisher broadcasts a diagnostic event emitted by a maintenance pass.
// The Redis-backed implementation mirrors the teacher's
// PublishWorkflowEvent: best-effort, never a reason to fail the pass that
// produced the event.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]interface{}) error
}

// NoopPublisher discards every event; used when no Pub/Sub backend is
// configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, eventType string, data map[string]interface{}) error {
	return nil
}

// Report summarizes one Tick invocation across its three passes.
type Report struct {
	LeasesReclaimed   int
	ItemsDeadEnded    int
	OrdersDeadLettered int
	ItemsDeadLettered int
	StaleOrdersFound  int
	PassErrors        []error
}

// Runner executes the three maintenance passes of spec §4.8.
type Runner struct {
	store     store.Store
	machine   *statemachine.Machine
	lease     *lease.Engine
	publisher Publisher
	cfg       Config
	log       *logrus.Entry
	now       func() time.Time
}

// New constructs a Runner. A nil publisher defaults to NoopPublisher{}; a
// nil log attaches to the standard logger.
func New(st store.Store, machine *statemachine.Machine, leaseEngine *lease.Engine, publisher Publisher, cfg Config, log *logrus.Entry) *Runner {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{store: st, machine: machine, lease: leaseEngine, publisher: publisher, cfg: cfg, log: log, now: time.Now}
}

// Tick runs all three passes, collecting each pass's own error rather than
// aborting the remaining passes when one fails (spec §4.8 "a failure in one
// must not prevent the others from running").
func (r *Runner) Tick(ctx context.Context) Report {
	var report Report

	if reclaimed, deadEnded, err := r.reclaimExpiredLeases(ctx); err != nil {
		report.PassErrors = append(report.PassErrors, fmt.Errorf("reclaimExpiredLeases: %w", err))
		r.log.WithError(err).Error("reclaimExpiredLeases pass failed")
	} else {
		report.LeasesReclaimed = reclaimed
		report.ItemsDeadEnded = deadEnded
	}

	if orders, items, err := r.deadLetterStuckWork(ctx); err != nil {
		report.PassErrors = append(report.PassErrors, fmt.Errorf("deadLetterStuckWork: %w", err))
		r.log.WithError(err).Error("deadLetterStuckWork pass failed")
	} else {
		report.OrdersDeadLettered = orders
		report.ItemsDeadLettered = items
	}

	if stale, err := r.checkStaleOrders(ctx); err != nil {
		report.PassErrors = append(report.PassErrors, fmt.Errorf("checkStaleOrders: %w", err))
		r.log.WithError(err).Error("checkStaleOrders pass failed")
	} else {
		report.StaleOrdersFound = stale
	}

	return report
}

// Phase names accepted by TickPhases, matching spec §6's tick(phases?).
const (
	PhaseReclaimLeases = "reclaimExpiredLeases"
	PhaseDeadLetter    = "deadLetterStuckWork"
	PhaseStaleOrders   = "checkStaleOrders"
)

// TickPhases runs only the named subset of passes, in their fixed order,
// leaving every other Report field at zero. An empty phases runs every pass,
// equivalent to Tick.
func (r *Runner) TickPhases(ctx context.Context, phases []string) Report {
	if len(phases) == 0 {
		return r.Tick(ctx)
	}
	want := make(map[string]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}

	var report Report
	if want[PhaseReclaimLeases] {
		if reclaimed, deadEnded, err := r.reclaimExpiredLeases(ctx); err != nil {
			report.PassErrors = append(report.PassErrors, fmt.Errorf("reclaimExpiredLeases: %w", err))
			r.log.WithError(err).Error("reclaimExpiredLeases pass failed")
		} else {
			report.LeasesReclaimed = reclaimed
			report.ItemsDeadEnded = deadEnded
		}
	}
	if want[PhaseDeadLetter] {
		if orders, items, err := r.deadLetterStuckWork(ctx); err != nil {
			report.PassErrors = append(report.PassErrors, fmt.Errorf("deadLetterStuckWork: %w", err))
			r.log.WithError(err).Error("deadLetterStuckWork pass failed")
		} else {
			report.OrdersDeadLettered = orders
			report.ItemsDeadLettered = items
		}
	}
	if want[PhaseStaleOrders] {
		if stale, err := r.checkStaleOrders(ctx); err != nil {
			report.PassErrors = append(report.PassErrors, fmt.Errorf("checkStaleOrders: %w", err))
			r.log.WithError(err).Error("checkStaleOrders pass failed")
		} else {
			report.StaleOrdersFound = stale
		}
	}
	return report
}

// reclaimExpiredLeases delegates directly to the lease engine (spec §4.8
// pass 1).
func (r *Runner) reclaimExpiredLeases(ctx context.Context) (reclaimed, deadEnded int, err error) {
	batch := r.cfg.ReclaimBatchSize
	if batch <= 0 {
		batch = 100
	}
	reclaimed, deadEnded, err = r.lease.Reclaim(ctx, batch)
	if err != nil {
		return 0, 0, err
	}
	if reclaimed > 0 {
		if perr := r.publisher.Publish(ctx, "leases_reclaimed", map[string]interface{}{"count": reclaimed}); perr != nil {
			r.log.WithError(perr).Warn("failed to publish leases_reclaimed event")
		}
	}
	return reclaimed, deadEnded, nil
}

// deadLetterStuckWork transitions orders and items stuck in failed for
// longer than the configured threshold to dead_lettered (spec §4.8 pass 2).
func (r *Runner) deadLetterStuckWork(ctx context.Context) (ordersDeadLettered, itemsDeadLettered int, err error) {
	cutoff := r.now().Add(-r.cfg.DeadLetterAfter)

	var orders []*store.OrderRow
	var items []*store.ItemRow
	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		var lerr error
		orders, lerr = tx.ListFailedOrdersOlderThan(ctx, cutoff)
		if lerr != nil {
			return fmt.Errorf("list failed orders older than %s: %w", cutoff, lerr)
		}
		items, lerr = tx.ListFailedItemsOlderThan(ctx, cutoff)
		if lerr != nil {
			return fmt.Errorf("list failed items older than %s: %w", cutoff, lerr)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	for _, o := range orders {
		txErr := r.store.WithTx(ctx, func(tx store.Tx) error {
			order, lerr := tx.LockOrder(ctx, o.ID)
			if lerr != nil {
				return lerr
			}
			if order.State != model.OrderFailed {
				return nil // already moved on concurrently
			}
			return r.machine.TransitionOrder(ctx, tx, order, model.OrderDeadLettered, model.SystemActor, statemachine.TransitionOpts{})
		})
		if txErr != nil {
			r.log.WithError(txErr).WithField("order_id", o.ID).Error("dead-letter failed for order; continuing sweep")
			continue
		}
		ordersDeadLettered++
		if perr := r.publisher.Publish(ctx, "order_dead_lettered", map[string]interface{}{"order_id": o.ID}); perr != nil {
			r.log.WithError(perr).Warn("failed to publish order_dead_lettered event")
		}
	}

	for _, it := range items {
		txErr := r.store.WithTx(ctx, func(tx store.Tx) error {
			item, lerr := tx.LockItem(ctx, it.ID)
			if lerr != nil {
				return lerr
			}
			if item.State != model.ItemFailed {
				return nil
			}
			return r.machine.TransitionItem(ctx, tx, item, model.ItemDeadLettered, model.SystemActor, statemachine.TransitionOpts{})
		})
		if txErr != nil {
			r.log.WithError(txErr).WithField("item_id", it.ID).Error("dead-letter failed for item; continuing sweep")
			continue
		}
		itemsDeadLettered++
		if perr := r.publisher.Publish(ctx, "item_dead_lettered", map[string]interface{}{"item_id": it.ID}); perr != nil {
			r.log.WithError(perr).Warn("failed to publish item_dead_lettered event")
		}
	}

	return ordersDeadLettered, itemsDeadLettered, nil
}

// checkStaleOrders surfaces orders not in a terminal-for-this-purpose state
// older than the configured threshold as log-class diagnostic events (spec
// §4.8 pass 3; spec §3's sanctioned exception to invariant I5 — a
// diagnostic event with no accompanying state write).
func (r *Runner) checkStaleOrders(ctx context.Context) (found int, err error) {
	cutoff := r.now().Add(-r.cfg.StaleOrderThreshold)

	var stale []*store.OrderRow
	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		var lerr error
		stale, lerr = tx.ListStaleOrders(ctx, cutoff)
		return lerr
	})
	if err != nil {
		return 0, fmt.Errorf("list stale orders older than %s: %w", cutoff, err)
	}

	for _, o := range stale {
		payload, merr := json.Marshal(map[string]interface{}{
			"last_transitioned_at": o.LastTransitionedAt,
			"state":                o.State,
		})
		if merr != nil {
			r.log.WithError(merr).WithField("order_id", o.ID).Error("failed to marshal stale_order diagnostic payload; skipping")
			continue
		}
		txErr := r.store.WithTx(ctx, func(tx store.Tx) error {
			return r.machine.RecordDiagnosticEvent(ctx, tx, o.ID, model.EventStaleOrder, payload)
		})
		if txErr != nil {
			r.log.WithError(txErr).WithField("order_id", o.ID).Error("failed to record stale_order diagnostic; continuing sweep")
			continue
		}
		found++
		if perr := r.publisher.Publish(ctx, "stale_order", map[string]interface{}{"order_id": o.ID}); perr != nil {
			r.log.WithError(perr).Warn("failed to publish stale_order event")
		}
	}
	return found, nil
}
