package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orderforge/workorder/internal/allocator"
	"github.com/orderforge/workorder/internal/config"
	"github.com/orderforge/workorder/internal/executor"
	"github.com/orderforge/workorder/internal/filter"
	"github.com/orderforge/workorder/internal/idempotency"
	"github.com/orderforge/workorder/internal/lease"
	"github.com/orderforge/workorder/internal/maintenance"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/provenance"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store"
)

// Engine is the single entry point implementing every operation of spec §6,
// composing the allocator, executor, lease engine, idempotency guard,
// provenance enricher and maintenance runner that each implement one slice
// of the pipeline.
type Engine struct {
	store       store.Store
	machine     *statemachine.Machine
	alloc       *allocator.Allocator
	exec        *executor.Executor
	leaseEngine *lease.Engine
	idem        *idempotency.Guard
	prov        *provenance.Enricher
	maint       *maintenance.Runner
	cfg         config.Config
	log         *logrus.Entry
}

// New wires the already-constructed sub-components into an Engine. Each
// component is built independently (see cmd/workorderctl for the production
// wiring) so tests can substitute fakes at any layer without reaching
// through Engine itself.
func New(
	st store.Store,
	machine *statemachine.Machine,
	alloc *allocator.Allocator,
	exec *executor.Executor,
	leaseEngine *lease.Engine,
	idem *idempotency.Guard,
	prov *provenance.Enricher,
	maint *maintenance.Runner,
	cfg config.Config,
	log *logrus.Entry,
) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		store: st, machine: machine, alloc: alloc, exec: exec, leaseEngine: leaseEngine,
		idem: idem, prov: prov, maint: maint, cfg: cfg, log: log,
	}
}

// idemKeyFor returns key unchanged when op is configured to enforce
// idempotency (spec §6 idempotency.enforceOn), or "" otherwise — an
// unconfigured operation's caller-supplied key is simply ignored rather than
// deduped, matching the opt-in enforcement list.
func (e *Engine) idemKeyFor(op, key string) string {
	for _, enforced := range e.cfg.Idempotency.EnforceOn {
		if enforced == op {
			return key
		}
	}
	return ""
}

// captureProvenance best-effort persists rc alongside orderID/itemID. A
// failure here never fails the mutating call it accompanies — provenance is
// an audit convenience, not a correctness dependency of the state machine.
func (e *Engine) captureProvenance(ctx context.Context, orderID string, itemID *string, rc provenance.RequestContext) {
	if e.prov == nil {
		return
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		_, cerr := e.prov.Capture(ctx, tx, orderID, itemID, rc)
		return cerr
	})
	if err != nil {
		e.log.WithError(err).WithField("order_id", orderID).Warn("failed to capture provenance record")
	}
}

// Propose implements spec §6's propose(type, payload, meta?, priority?, actor?, idem?).
func (e *Engine) Propose(ctx context.Context, orderType string, payload json.RawMessage, meta json.RawMessage, priority int, actor model.Actor, idemKey string, rc provenance.RequestContext) (*store.OrderRow, error) {
	key := e.idemKeyFor("propose", idemKey)
	order, err := idempotency.Execute(ctx, e.idem, idempotency.Scope("propose", ""), key, func(ctx context.Context) (*store.OrderRow, error) {
		return e.alloc.Propose(ctx, orderType, payload, actor, meta, priority)
	})
	if err != nil {
		return nil, classify(err)
	}
	e.captureProvenance(ctx, order.ID, nil, rc)
	return order, nil
}

// ListOrdersRequest bundles the raw filter/sort/pagination inputs of spec
// §6's listOrders(filters, sort, pagination).
type ListOrdersRequest struct {
	Filter json.RawMessage
	Sort   []store.SortTerm
	Limit  int
	Offset int
}

// ListOrders implements spec §6's listOrders.
func (e *Engine) ListOrders(ctx context.Context, req ListOrdersRequest) ([]*store.OrderRow, error) {
	node, err := filter.Parse(req.Filter)
	if err != nil {
		return nil, classify(err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	q := store.ListOrdersQuery{Sort: req.Sort, Limit: limit, Offset: req.Offset}
	if node != nil {
		q.Filter = node
	}
	orders, err := e.store.ListOrders(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	return orders, nil
}

// GetOrder implements spec §6's getOrder(id).
func (e *Engine) GetOrder(ctx context.Context, id string) (*store.OrderRow, error) {
	order, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return order, nil
}

// GetItem implements spec §6's getItem(id).
func (e *Engine) GetItem(ctx context.Context, id string) (*store.ItemRow, error) {
	item, err := e.store.GetItem(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return item, nil
}

// CheckoutRequest carries checkout's two mutually-exclusive scoping modes
// (spec §6 checkout(orderId?, filters?, agentId, idem?)): OrderID scopes to
// one order's queued items; Dispatch scopes globally via lease dispatch.
type CheckoutRequest struct {
	OrderID  string
	Dispatch lease.DispatchRequest
	AgentID  string
}

// Checkout implements spec §6's checkout, either scoped to a single order's
// next queued item or, when OrderID is empty, dispatched globally across all
// eligible items via the priority-FIFO lease engine.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest, idemKey string, rc provenance.RequestContext) (*store.ItemRow, error) {
	key := e.idemKeyFor("checkout", idemKey)
	item, err := idempotency.Execute(ctx, e.idem, idempotency.Scope("checkout", req.AgentID), key, func(ctx context.Context) (*store.ItemRow, error) {
		if req.OrderID != "" {
			return e.checkoutScoped(ctx, req.OrderID, req.AgentID)
		}
		result, derr := e.leaseEngine.AcquireNext(ctx, req.AgentID, req.Dispatch)
		if derr != nil {
			return nil, derr
		}
		return result.Item, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	e.advanceOrderOnCheckout(ctx, item.OrderID)
	e.captureProvenance(ctx, item.OrderID, &item.ID, rc)
	return item, nil
}

// advanceOrderOnCheckout drives the parent order from queued through
// checked_out into in_progress the first time one of its items is leased
// (spec §3's order lifecycle). A failure here is logged and swallowed,
// matching the executor's established checkAutoApproval pattern: the item
// lease already succeeded, and the order will reach in_progress on any
// later checkout of a sibling item.
func (e *Engine) advanceOrderOnCheckout(ctx context.Context, orderID string) {
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		order, oerr := tx.LockOrder(ctx, orderID)
		if oerr != nil {
			return oerr
		}
		if order.State == model.OrderQueued {
			if terr := e.machine.TransitionOrder(ctx, tx, order, model.OrderCheckedOut, model.SystemActor, statemachine.TransitionOpts{}); terr != nil {
				return terr
			}
		}
		if order.State == model.OrderCheckedOut {
			if terr := e.machine.TransitionOrder(ctx, tx, order, model.OrderInProgress, model.SystemActor, statemachine.TransitionOpts{}); terr != nil {
				return terr
			}
		}
		return nil
	})
	if err != nil {
		e.log.WithError(err).WithField("order_id", orderID).Warn("failed to advance order lifecycle on checkout")
	}
}

// checkoutScoped picks the first queued item on orderID (by the store's own
// ordering) and leases it to agentID.
func (e *Engine) checkoutScoped(ctx context.Context, orderID, agentID string) (*store.ItemRow, error) {
	items, err := e.store.ListItemsByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list items for order %s: %w", orderID, err)
	}
	for _, it := range items {
		if it.State != model.ItemQueued {
			continue
		}
		leased, aerr := e.leaseEngine.Acquire(ctx, it.ID, agentID)
		if aerr == nil {
			return leased, nil
		}
		if lease.IsConflict(aerr) {
			continue
		}
		return nil, aerr
	}
	return nil, lease.ErrNoWork
}

// Heartbeat implements spec §6's heartbeat(itemId, agentId).
func (e *Engine) Heartbeat(ctx context.Context, itemID, agentID string) (*store.ItemRow, error) {
	item, err := e.leaseEngine.Extend(ctx, itemID, agentID)
	if err != nil {
		return nil, classify(err)
	}
	return item, nil
}

// Release implements spec §6's release(itemId, agentId).
func (e *Engine) Release(ctx context.Context, itemID, agentID string) (*store.ItemRow, error) {
	item, err := e.leaseEngine.Release(ctx, itemID, agentID)
	if err != nil {
		return nil, classify(err)
	}
	return item, nil
}

// Submit implements spec §6's submit(itemId, result, agentId, evidence?, notes?, idem?).
func (e *Engine) Submit(ctx context.Context, itemID string, result json.RawMessage, agentID string, evidence, notes json.RawMessage, idemKey string, rc provenance.RequestContext) (*store.ItemRow, error) {
	key := e.idemKeyFor("submit", idemKey)
	item, err := idempotency.Execute(ctx, e.idem, idempotency.Scope("submit", itemID), key, func(ctx context.Context) (*store.ItemRow, error) {
		return e.exec.Submit(ctx, itemID, result, agentID, evidence, notes)
	})
	if err != nil {
		return nil, classify(err)
	}
	e.captureProvenance(ctx, item.OrderID, &item.ID, rc)
	return item, nil
}

// SubmitPart implements spec §6's submitPart(itemId, partKey, seq?, payload, agentId, evidence?, notes?, idem?).
func (e *Engine) SubmitPart(ctx context.Context, itemID, partKey string, seq *int, payload []byte, agentID string, evidence, notes json.RawMessage, idemKey string, rc provenance.RequestContext) (*store.PartRow, error) {
	if e.cfg.Partials.MaxPayloadBytes > 0 && len(payload) > e.cfg.Partials.MaxPayloadBytes {
		return nil, newErr(SchemaViolation, fmt.Sprintf("part payload exceeds max_payload_bytes (%d)", e.cfg.Partials.MaxPayloadBytes))
	}
	key := e.idemKeyFor("submitPart", idemKey)
	part, err := idempotency.Execute(ctx, e.idem, idempotency.Scope("submitPart", itemID+":"+partKey), key, func(ctx context.Context) (*store.PartRow, error) {
		return e.exec.SubmitPart(ctx, itemID, partKey, seq, payload, agentID, evidence, notes)
	})
	if err != nil {
		return nil, classify(err)
	}
	if item, gerr := e.store.GetItem(ctx, itemID); gerr == nil {
		e.captureProvenance(ctx, item.OrderID, &itemID, rc)
	} else {
		e.log.WithError(gerr).WithField("item_id", itemID).Warn("failed to resolve order id for part provenance capture")
	}
	return part, nil
}

// ListParts implements spec §6's listParts(itemId).
func (e *Engine) ListParts(ctx context.Context, itemID string) ([]*store.PartRow, error) {
	parts, err := e.store.ListPartsForItem(ctx, itemID)
	if err != nil {
		return nil, classify(err)
	}
	return parts, nil
}

// Finalize implements spec §6's finalize(itemId, mode, idem?).
func (e *Engine) Finalize(ctx context.Context, itemID string, mode executor.FinalizeMode, idemKey string) (*store.ItemRow, error) {
	key := e.idemKeyFor("finalize", idemKey)
	item, err := idempotency.Execute(ctx, e.idem, idempotency.Scope("finalize", itemID), key, func(ctx context.Context) (*store.ItemRow, error) {
		return e.exec.Finalize(ctx, itemID, mode)
	})
	if err != nil {
		return nil, classify(err)
	}
	return item, nil
}

// Approve implements spec §6's approve(orderId, actor?, idem?).
func (e *Engine) Approve(ctx context.Context, orderID string, actor model.Actor, idemKey string) (*store.OrderRow, error) {
	key := e.idemKeyFor("approve", idemKey)
	order, err := idempotency.Execute(ctx, e.idem, idempotency.Scope("approve", orderID), key, func(ctx context.Context) (*store.OrderRow, error) {
		o, _, aerr := e.exec.Approve(ctx, orderID, actor)
		return o, aerr
	})
	if err != nil {
		return nil, classify(err)
	}
	return order, nil
}

// Reject implements spec §6's reject(orderId, errors, allowRework, actor?, idem?).
func (e *Engine) Reject(ctx context.Context, orderID string, validationErrors []model.ValidationIssue, allowRework bool, actor model.Actor, idemKey string) (*store.OrderRow, error) {
	key := e.idemKeyFor("reject", idemKey)
	order, err := idempotency.Execute(ctx, e.idem, idempotency.Scope("reject", orderID), key, func(ctx context.Context) (*store.OrderRow, error) {
		o, rerr := e.exec.Reject(ctx, orderID, validationErrors, actor, allowRework)
		if rerr != nil {
			return nil, rerr
		}
		if allowRework {
			if _, perr := e.alloc.Plan(ctx, orderID); perr != nil {
				return nil, fmt.Errorf("re-plan order %s after rework rejection: %w", orderID, perr)
			}
		}
		return o, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return order, nil
}

// EventsFor implements spec §6's eventsFor(orderId | itemId) — exactly one
// of orderID/itemID must be non-empty.
func (e *Engine) EventsFor(ctx context.Context, orderID, itemID string) ([]*store.EventRow, error) {
	if itemID != "" {
		events, err := e.store.ListEventsForItem(ctx, itemID)
		if err != nil {
			return nil, classify(err)
		}
		return events, nil
	}
	events, err := e.store.ListEventsForOrder(ctx, orderID)
	if err != nil {
		return nil, classify(err)
	}
	return events, nil
}

// Tick implements spec §6's tick(phases?), driving cmd/workorderctl's
// exit-code contract: the CLI treats a non-empty Report.PassErrors as a
// reason to exit non-zero even though Tick itself never returns a Go error.
func (e *Engine) Tick(ctx context.Context, phases []string) maintenance.Report {
	return e.maint.TickPhases(ctx, phases)
}
