package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/store"
)

// fakeTx is a minimal in-memory store.Tx double for exercising the state
// machine without a database, in the spirit of the teacher's preference for
// fast unit tests over containerized fixtures where a fake suffices.
type fakeTx struct {
	store.Tx
	orders []*store.OrderRow
	items  []*store.ItemRow
	events []*store.EventRow
}

func (f *fakeTx) UpdateOrder(ctx context.Context, o *store.OrderRow) error {
	f.orders = append(f.orders, o)
	return nil
}

func (f *fakeTx) UpdateItem(ctx context.Context, i *store.ItemRow) error {
	f.items = append(f.items, i)
	return nil
}

func (f *fakeTx) InsertEvent(ctx context.Context, e *store.EventRow) error {
	f.events = append(f.events, e)
	return nil
}

func TestTransitionOrder_ValidEdge(t *testing.T) {
	m := New(nil, nil)
	tx := &fakeTx{}
	order := &store.OrderRow{ID: "o1", State: model.OrderQueued}

	err := m.TransitionOrder(context.Background(), tx, order, model.OrderCheckedOut, model.SystemActor, TransitionOpts{})

	require.NoError(t, err)
	assert.Equal(t, model.OrderCheckedOut, order.State)
	require.Len(t, tx.events, 1)
	assert.Equal(t, model.EventLeased, tx.events[0].Kind)
}

func TestTransitionOrder_IllegalEdge(t *testing.T) {
	m := New(nil, nil)
	tx := &fakeTx{}
	order := &store.OrderRow{ID: "o1", State: model.OrderQueued}

	err := m.TransitionOrder(context.Background(), tx, order, model.OrderCompleted, model.SystemActor, TransitionOpts{})

	require.Error(t, err)
	var illegal *IllegalStateTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "order", illegal.Entity)
	assert.Empty(t, tx.events)
}

func TestTransitionOrder_AppliedStampsAppliedAt(t *testing.T) {
	m := New(nil, nil)
	tx := &fakeTx{}
	order := &store.OrderRow{ID: "o1", State: model.OrderApproved}

	require.NoError(t, m.TransitionOrder(context.Background(), tx, order, model.OrderApplied, model.SystemActor, TransitionOpts{}))

	require.NotNil(t, order.AppliedAt)
	assert.WithinDuration(t, time.Now(), *order.AppliedAt, time.Second)
}

func TestTransitionOrder_RejectionWithRework(t *testing.T) {
	m := New(nil, nil)
	tx := &fakeTx{}
	order := &store.OrderRow{ID: "o1", State: model.OrderSubmitted}

	require.NoError(t, m.TransitionOrder(context.Background(), tx, order, model.OrderQueued, model.SystemActor, TransitionOpts{}))

	assert.Equal(t, model.OrderQueued, order.State)
}

func TestTransitionItem_LeasedToQueuedReclaimEdge(t *testing.T) {
	m := New(nil, nil)
	tx := &fakeTx{}
	item := &store.ItemRow{ID: "i1", OrderID: "o1", State: model.ItemLeased}

	require.NoError(t, m.TransitionItem(context.Background(), tx, item, model.ItemQueued, model.SystemActor, TransitionOpts{}))

	assert.Equal(t, model.ItemQueued, item.State)
	require.Len(t, tx.events, 1)
	assert.Equal(t, "i1", *tx.events[0].ItemID)
}

func TestTransitionItem_AcceptedStampsAcceptedAt(t *testing.T) {
	m := New(nil, nil)
	tx := &fakeTx{}
	item := &store.ItemRow{ID: "i1", OrderID: "o1", State: model.ItemSubmitted}

	require.NoError(t, m.TransitionItem(context.Background(), tx, item, model.ItemAccepted, model.SystemActor, TransitionOpts{}))

	require.NotNil(t, item.AcceptedAt)
}

func TestTransitionItem_IllegalEdge(t *testing.T) {
	m := New(nil, nil)
	tx := &fakeTx{}
	item := &store.ItemRow{ID: "i1", OrderID: "o1", State: model.ItemQueued}

	err := m.TransitionItem(context.Background(), tx, item, model.ItemCompleted, model.SystemActor, TransitionOpts{})

	require.Error(t, err)
	var illegal *IllegalStateTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "item", illegal.Entity)
}

func TestIsTerminal(t *testing.T) {
	m := New(nil, nil)
	assert.True(t, m.IsTerminalOrder(model.OrderCompleted))
	assert.True(t, m.IsTerminalOrder(model.OrderRejected))
	assert.False(t, m.IsTerminalOrder(model.OrderQueued))
	assert.True(t, m.IsTerminalItem(model.ItemFailed))
	assert.False(t, m.IsTerminalItem(model.ItemLeased))
}
