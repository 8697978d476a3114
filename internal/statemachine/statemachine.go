// Package statemachine validates and records order/item state transitions
// (spec §4.2). Every transition is a data-driven adjacency lookup — the
// legal-edge sets are configuration, not a switch statement — followed by
// one state write and exactly one audit event in the same transaction,
// satisfying invariant I5.
//
// Grounded on the teacher's internal/orchestrator/phase_transitions.go: the
// same "load current row, verify the edge, write new state, append one
// event" shape, generalized from the teacher's four-phase claim lifecycle
// (pending_review/pending_parallel/pending_exclusive/complete) to the
// order/item lifecycles of spec §3.
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orderforge/workorder/internal/ids"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/store"
)

// IllegalStateTransitionError is returned when the requested edge is not in
// the configured adjacency relation.
type IllegalStateTransitionError struct {
	Entity string // "order" | "item"
	From   string
	To     string
}

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("illegal %s state transition: %s -> %s", e.Entity, e.From, e.To)
}

// TransitionOpts carries the optional payload/message/diff a transition may
// record alongside its event (spec §4.2's `payload?, message?, diff?`).
type TransitionOpts struct {
	Payload json.RawMessage
	Message string
	Diff    *model.Diff
	// EventKindOverride replaces the destination-derived event kind for
	// the handful of transitions spec §4.6 names an event kind that does
	// not match the destination state (e.g. finalize's item -> submitted
	// edge emits a `finalized` event, not `submitted`).
	EventKindOverride model.EventKind
}

// AdjacencyConfig is the configurable legal-edge relation of spec §3/§4.2.
// The zero value is not usable; construct via DefaultAdjacency.
type AdjacencyConfig struct {
	Order map[model.OrderState]map[model.OrderState]bool
	Item  map[model.ItemState]map[model.ItemState]bool
}

// DefaultAdjacency is the transition graph spec §3 names explicitly:
//
//	queued -> checked_out -> in_progress -> submitted -> approved -> applied -> completed
//	            (+ rejected, failed, dead_lettered side branches; submitted -> queued rework; failed -> dead_lettered aging)
//
//	queued -> leased -> in_progress -> submitted -> accepted -> completed
//	            (+ failed, dead_lettered side states; leased -> queued reclaim edge)
func DefaultAdjacency() *AdjacencyConfig {
	edge := func(pairs ...[2]model.OrderState) map[model.OrderState]map[model.OrderState]bool {
		m := map[model.OrderState]map[model.OrderState]bool{}
		for _, p := range pairs {
			if m[p[0]] == nil {
				m[p[0]] = map[model.OrderState]bool{}
			}
			m[p[0]][p[1]] = true
		}
		return m
	}
	itemEdge := func(pairs ...[2]model.ItemState) map[model.ItemState]map[model.ItemState]bool {
		m := map[model.ItemState]map[model.ItemState]bool{}
		for _, p := range pairs {
			if m[p[0]] == nil {
				m[p[0]] = map[model.ItemState]bool{}
			}
			m[p[0]][p[1]] = true
		}
		return m
	}

	return &AdjacencyConfig{
		Order: edge(
			[2]model.OrderState{model.OrderQueued, model.OrderCheckedOut},
			[2]model.OrderState{model.OrderCheckedOut, model.OrderInProgress},
			[2]model.OrderState{model.OrderInProgress, model.OrderSubmitted},
			[2]model.OrderState{model.OrderSubmitted, model.OrderApproved},
			[2]model.OrderState{model.OrderApproved, model.OrderApplied},
			[2]model.OrderState{model.OrderApplied, model.OrderCompleted},
			[2]model.OrderState{model.OrderSubmitted, model.OrderQueued}, // rejection with rework
			[2]model.OrderState{model.OrderSubmitted, model.OrderRejected},
			[2]model.OrderState{model.OrderQueued, model.OrderRejected},
			[2]model.OrderState{model.OrderInProgress, model.OrderRejected},
			[2]model.OrderState{model.OrderQueued, model.OrderFailed},
			[2]model.OrderState{model.OrderCheckedOut, model.OrderFailed},
			[2]model.OrderState{model.OrderInProgress, model.OrderFailed},
			[2]model.OrderState{model.OrderSubmitted, model.OrderFailed},
			[2]model.OrderState{model.OrderApproved, model.OrderFailed},
			[2]model.OrderState{model.OrderApplied, model.OrderFailed},
			[2]model.OrderState{model.OrderFailed, model.OrderDeadLettered},
		),
		Item: itemEdge(
			[2]model.ItemState{model.ItemQueued, model.ItemLeased},
			[2]model.ItemState{model.ItemLeased, model.ItemInProgress},
			[2]model.ItemState{model.ItemInProgress, model.ItemSubmitted},
			[2]model.ItemState{model.ItemLeased, model.ItemSubmitted},
			[2]model.ItemState{model.ItemSubmitted, model.ItemAccepted},
			[2]model.ItemState{model.ItemAccepted, model.ItemCompleted},
			[2]model.ItemState{model.ItemLeased, model.ItemQueued}, // reclaim edge
			[2]model.ItemState{model.ItemQueued, model.ItemFailed},
			[2]model.ItemState{model.ItemLeased, model.ItemFailed},
			[2]model.ItemState{model.ItemInProgress, model.ItemFailed},
			[2]model.ItemState{model.ItemSubmitted, model.ItemFailed},
			[2]model.ItemState{model.ItemFailed, model.ItemDeadLettered},
		),
	}
}

// eventKindForOrderState derives the event kind from the destination state,
// per spec §4.2 ("appends one event record whose kind is derived from the
// destination state").
func eventKindForOrderState(s model.OrderState) model.EventKind {
	switch s {
	case model.OrderQueued:
		return model.EventProposed
	case model.OrderCheckedOut:
		return model.EventLeased
	case model.OrderSubmitted:
		return model.EventSubmitted
	case model.OrderApproved:
		return model.EventApproved
	case model.OrderApplied:
		return model.EventApplied
	case model.OrderCompleted:
		return model.EventCompleted
	case model.OrderRejected:
		return model.EventRejected
	case model.OrderFailed:
		return model.EventFailed
	case model.OrderDeadLettered:
		return model.EventDeadLettered
	default:
		return model.EventKind(s)
	}
}

func eventKindForItemState(s model.ItemState) model.EventKind {
	switch s {
	case model.ItemLeased:
		return model.EventLeased
	case model.ItemSubmitted:
		return model.EventSubmitted
	case model.ItemAccepted:
		return model.EventAccepted
	case model.ItemCompleted:
		return model.EventCompleted
	case model.ItemFailed:
		return model.EventFailed
	case model.ItemDeadLettered:
		return model.EventDeadLettered
	case model.ItemQueued:
		return model.EventReleased
	default:
		return model.EventKind(s)
	}
}

// Machine validates and records transitions against one AdjacencyConfig.
type Machine struct {
	adj *AdjacencyConfig
	log *logrus.Entry
}

// New constructs a Machine. A nil adj defaults to DefaultAdjacency(); a nil
// log attaches to the standard logrus logger.
func New(adj *AdjacencyConfig, log *logrus.Entry) *Machine {
	if adj == nil {
		adj = DefaultAdjacency()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{adj: adj, log: log}
}

// TransitionOrder verifies the edge, writes the new state, and appends one
// event, all via tx (caller is expected to be inside a Store.WithTx unit).
func (m *Machine) TransitionOrder(ctx context.Context, tx store.Tx, order *store.OrderRow, to model.OrderState, actor model.Actor, opts TransitionOpts) error {
	from := order.State
	if !m.adj.Order[from][to] {
		return &IllegalStateTransitionError{Entity: "order", From: string(from), To: string(to)}
	}

	order.State = to
	order.LastTransitionedAt = nowFunc()
	if to == model.OrderApplied {
		t := nowFunc()
		order.AppliedAt = &t
	}
	if to == model.OrderCompleted {
		t := nowFunc()
		order.CompletedAt = &t
	}

	if err := tx.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("update order %s: %w", order.ID, err)
	}

	kind := eventKindForOrderState(to)
	if opts.EventKindOverride != "" {
		kind = opts.EventKindOverride
	}
	ev := &store.EventRow{
		ID: ids.New(), OrderID: order.ID, Kind: kind,
		ActorKind: actor.Kind, ActorID: actor.ID, Payload: opts.Payload, CreatedAt: nowFunc(),
	}
	if opts.Diff != nil {
		b, err := json.Marshal(opts.Diff)
		if err != nil {
			return fmt.Errorf("marshal diff for order %s: %w", order.ID, err)
		}
		ev.Diff = b
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("record event for order %s: %w", order.ID, err)
	}

	m.log.WithFields(logrus.Fields{"order_id": order.ID, "from": from, "to": to}).Debug("order transitioned")
	return nil
}

// TransitionItem verifies the edge, writes the new state, and appends one
// event, via tx.
func (m *Machine) TransitionItem(ctx context.Context, tx store.Tx, item *store.ItemRow, to model.ItemState, actor model.Actor, opts TransitionOpts) error {
	from := item.State
	if !m.adj.Item[from][to] {
		return &IllegalStateTransitionError{Entity: "item", From: string(from), To: string(to)}
	}

	item.State = to
	item.LastTransitionedAt = nowFunc()
	if to == model.ItemAccepted {
		t := nowFunc()
		item.AcceptedAt = &t
	}
	if to == model.ItemCompleted {
		t := nowFunc()
		item.CompletedAt = &t
	}

	if err := tx.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("update item %s: %w", item.ID, err)
	}

	kind := eventKindForItemState(to)
	if opts.EventKindOverride != "" {
		kind = opts.EventKindOverride
	}
	itemID := item.ID
	ev := &store.EventRow{
		ID: ids.New(), OrderID: item.OrderID, ItemID: &itemID, Kind: kind,
		ActorKind: actor.Kind, ActorID: actor.ID, Payload: opts.Payload, CreatedAt: nowFunc(),
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("record event for item %s: %w", item.ID, err)
	}

	m.log.WithFields(logrus.Fields{"item_id": item.ID, "from": from, "to": to}).Debug("item transitioned")
	return nil
}

// RecordDiagnosticEvent appends a log-class event with no accompanying
// state write — the sanctioned exception to invariant I5 used by
// checkStaleOrders (spec §3 "new" note).
func (m *Machine) RecordDiagnosticEvent(ctx context.Context, tx store.Tx, orderID string, kind model.EventKind, payload json.RawMessage) error {
	ev := &store.EventRow{
		ID: ids.New(), OrderID: orderID, Kind: kind,
		ActorKind: model.SystemActor.Kind, ActorID: model.SystemActor.ID, Payload: payload, CreatedAt: nowFunc(),
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("record diagnostic event for order %s: %w", orderID, err)
	}
	return nil
}

// IsTerminalOrder reports whether s accepts no further outbound edges.
func (m *Machine) IsTerminalOrder(s model.OrderState) bool { return model.IsOrderTerminal(s) }

// IsTerminalItem reports whether s is completed, failed or dead_lettered.
// failed still has its aging edge to dead_lettered.
func (m *Machine) IsTerminalItem(s model.ItemState) bool { return model.IsItemTerminal(s) }
