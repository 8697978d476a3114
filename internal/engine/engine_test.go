package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderforge/workorder/internal/allocator"
	"github.com/orderforge/workorder/internal/config"
	"github.com/orderforge/workorder/internal/executor"
	"github.com/orderforge/workorder/internal/idempotency"
	"github.com/orderforge/workorder/internal/lease"
	"github.com/orderforge/workorder/internal/maintenance"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/provenance"
	"github.com/orderforge/workorder/internal/registry"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store"
)

type fakeStore struct {
	orders map[string]*store.OrderRow
	items  map[string]*store.ItemRow
	parts  map[string][]*store.PartRow
	events []*store.EventRow
	idem   map[string]*store.IdempotencyKeyRow
	prov   []*store.ProvenanceRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: map[string]*store.OrderRow{},
		items:  map[string]*store.ItemRow{},
		parts:  map[string][]*store.PartRow{},
		idem:   map[string]*store.IdempotencyKeyRow{},
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return fn(&fakeTx{s: f})
}

func (f *fakeStore) ListOrders(ctx context.Context, q store.ListOrdersQuery) ([]*store.OrderRow, error) {
	var out []*store.OrderRow
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeStore) ListEventsForOrder(ctx context.Context, orderID string) ([]*store.EventRow, error) {
	var out []*store.EventRow
	for _, e := range f.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) ListEventsForItem(ctx context.Context, itemID string) ([]*store.EventRow, error) {
	var out []*store.EventRow
	for _, e := range f.events {
		if e.ItemID != nil && *e.ItemID == itemID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPartsForItem(ctx context.Context, itemID string) ([]*store.PartRow, error) {
	return f.parts[itemID], nil
}

func (f *fakeStore) GetOrder(ctx context.Context, id string) (*store.OrderRow, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (f *fakeStore) GetItem(ctx context.Context, id string) (*store.ItemRow, error) {
	it, ok := f.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return it, nil
}

func (f *fakeStore) ListItemsByOrder(ctx context.Context, orderID string) ([]*store.ItemRow, error) {
	var out []*store.ItemRow
	for _, it := range f.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeStore) ListDispatchCandidates(ctx context.Context, filt store.DispatchFilter) ([]*store.ItemRow, error) {
	var out []*store.ItemRow
	for _, it := range f.items {
		if it.Type != filt.Type {
			continue
		}
		if it.State != model.ItemQueued && it.State != model.ItemInProgress {
			continue
		}
		if it.LeasedByAgentID != nil {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeStore) CountActiveLeasesByAgent(ctx context.Context, agentID string) (int, error) { return 0, nil }
func (f *fakeStore) CountActiveLeasesByType(ctx context.Context, itemType string) (int, error) { return 0, nil }

type fakeTx struct {
	s *fakeStore
}

func (f *fakeTx) LockOrder(ctx context.Context, id string) (*store.OrderRow, error) {
	o, ok := f.s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (f *fakeTx) LockItem(ctx context.Context, id string) (*store.ItemRow, error) {
	it, ok := f.s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return it, nil
}

func (f *fakeTx) ListItemsByOrderForUpdate(ctx context.Context, orderID string) ([]*store.ItemRow, error) {
	return f.s.ListItemsByOrder(ctx, orderID)
}

func (f *fakeTx) InsertOrder(ctx context.Context, o *store.OrderRow) error {
	f.s.orders[o.ID] = o
	return nil
}
func (f *fakeTx) UpdateOrder(ctx context.Context, o *store.OrderRow) error {
	f.s.orders[o.ID] = o
	return nil
}
func (f *fakeTx) InsertItem(ctx context.Context, i *store.ItemRow) error {
	f.s.items[i.ID] = i
	return nil
}
func (f *fakeTx) UpdateItem(ctx context.Context, i *store.ItemRow) error {
	f.s.items[i.ID] = i
	return nil
}

func (f *fakeTx) UpsertPart(ctx context.Context, p *store.PartRow) error {
	list := f.s.parts[p.ItemID]
	for i, existing := range list {
		if existing.PartKey == p.PartKey && seqEq(existing.Seq, p.Seq) {
			list[i] = p
			f.s.parts[p.ItemID] = list
			return nil
		}
	}
	f.s.parts[p.ItemID] = append(list, p)
	return nil
}

func seqEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (f *fakeTx) GetPart(ctx context.Context, itemID, partKey string, seq *int) (*store.PartRow, error) {
	for _, p := range f.s.parts[itemID] {
		if p.PartKey == partKey && seqEq(p.Seq, seq) {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeTx) ListPartsForItem(ctx context.Context, itemID string) ([]*store.PartRow, error) {
	return f.s.parts[itemID], nil
}

func (f *fakeTx) InsertEvent(ctx context.Context, e *store.EventRow) error {
	f.s.events = append(f.s.events, e)
	return nil
}

func (f *fakeTx) InsertProvenance(ctx context.Context, p *store.ProvenanceRow) error {
	f.s.prov = append(f.s.prov, p)
	return nil
}

func (f *fakeTx) InsertIdempotencyKey(ctx context.Context, k *store.IdempotencyKeyRow) error {
	key := k.Scope + "|" + k.KeyHash
	if _, exists := f.s.idem[key]; exists {
		return store.ErrConflict
	}
	f.s.idem[key] = k
	return nil
}

func (f *fakeTx) GetIdempotencyKey(ctx context.Context, scope, keyHash string) (*store.IdempotencyKeyRow, error) {
	row, ok := f.s.idem[scope+"|"+keyHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return row, nil
}

func (f *fakeTx) ListExpiredLeaseItems(ctx context.Context, now time.Time, limit int) ([]*store.ItemRow, error) {
	return nil, nil
}
func (f *fakeTx) ListFailedOrdersOlderThan(ctx context.Context, cutoff time.Time) ([]*store.OrderRow, error) {
	return nil, nil
}
func (f *fakeTx) ListFailedItemsOlderThan(ctx context.Context, cutoff time.Time) ([]*store.ItemRow, error) {
	return nil, nil
}
func (f *fakeTx) ListStaleOrders(ctx context.Context, cutoff time.Time) ([]*store.OrderRow, error) {
	return nil, nil
}

type noopBackend struct{}

func (noopBackend) Acquire(ctx context.Context, itemID, agentID string, ttl time.Duration) error {
	return nil
}
func (noopBackend) Extend(ctx context.Context, itemID, agentID string, ttl time.Duration) error {
	return nil
}
func (noopBackend) Release(ctx context.Context, itemID, agentID string) error { return nil }
func (noopBackend) Reclaim(ctx context.Context, itemIDs []string) (int, error) { return 0, nil }
func (noopBackend) GetOwner(ctx context.Context, itemID string) (string, bool, error) {
	return "", false, nil
}
func (noopBackend) GetTTL(ctx context.Context, itemID string) (time.Duration, bool, error) {
	return 0, false, nil
}
func (noopBackend) GetAllLeases(ctx context.Context) (map[string]string, error) { return nil, nil }
func (noopBackend) ClearAll(ctx context.Context) error                         { return nil }

type stubHandler struct {
	autoApprove   bool
	requiredParts []string
}

func (h *stubHandler) Schema() model.SchemaDescriptor { return model.SchemaDescriptor{TypeName: "widget"} }
func (h *stubHandler) Plan(order *store.OrderRow) ([]model.ItemSpec, error) {
	return []model.ItemSpec{{Type: "widget_item", Input: json.RawMessage(`{}`), PartsRequired: h.requiredParts}}, nil
}
func (h *stubHandler) AcceptancePolicy() registry.AcceptancePolicy {
	return registry.DefaultAcceptancePolicy(h)
}
func (h *stubHandler) ValidateSubmissionRules(item *store.ItemRow, result json.RawMessage) error {
	return nil
}
func (h *stubHandler) AfterValidateSubmission(item *store.ItemRow, result json.RawMessage) error {
	return nil
}
func (h *stubHandler) PartialRules(item *store.ItemRow, partKey string, seq *int, payload json.RawMessage) error {
	return nil
}
func (h *stubHandler) AfterValidatePart(item *store.ItemRow, partKey string, payload json.RawMessage, seq *int) error {
	return nil
}
func (h *stubHandler) RequiredParts(item *store.ItemRow) []string { return h.requiredParts }
func (h *stubHandler) Assemble(item *store.ItemRow, latest map[string]json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"assembled":true}`), nil
}
func (h *stubHandler) ValidateAssembled(item *store.ItemRow, assembled json.RawMessage) error {
	return nil
}
func (h *stubHandler) BeforeApply(order *store.OrderRow) error { return nil }
func (h *stubHandler) Apply(ctx context.Context, order *store.OrderRow) (model.Diff, error) {
	return model.Diff{Summary: "applied"}, nil
}
func (h *stubHandler) AfterApply(order *store.OrderRow, diff model.Diff) error { return nil }
func (h *stubHandler) ShouldAutoApprove() bool                                { return h.autoApprove }

func newTestEngine(h registry.Handler, cfg config.Config) (*Engine, *fakeStore) {
	st := newFakeStore()
	reg := registry.New()
	reg.Register("widget", h)
	reg.Register("widget_item", h)
	machine := statemachine.New(nil, nil)
	leaseEngine := lease.NewEngine(st, machine, noopBackend{}, lease.DefaultConfig(), nil)
	alloc := allocator.New(st, reg, machine, nil, cfg.Retry.DefaultMaxAttempts, nil)
	exec := executor.New(st, reg, machine, leaseEngine, nil)
	idem := idempotency.New(st, nil)
	prov := provenance.New(st)
	maint := maintenance.New(st, machine, leaseEngine, nil, maintenance.Config{
		DeadLetterAfter: time.Hour, StaleOrderThreshold: time.Hour,
	}, nil)
	e := New(st, machine, alloc, exec, leaseEngine, idem, prov, maint, cfg, nil)
	return e, st
}

func soleItemID(st *fakeStore) string {
	for id := range st.items {
		return id
	}
	return ""
}

func TestEndToEnd_HappyPathAutoApproves(t *testing.T) {
	h := &stubHandler{autoApprove: true}
	e, st := newTestEngine(h, config.Default())
	ctx := context.Background()

	order, err := e.Propose(ctx, "widget", json.RawMessage(`{}`), nil, 5,
		model.Actor{Kind: model.ActorUser, ID: "u1"}, "", provenance.RequestContext{AgentID: "u1"})
	require.NoError(t, err)
	require.Len(t, st.items, 1)
	itemID := soleItemID(st)

	item, err := e.Checkout(ctx, CheckoutRequest{OrderID: order.ID, AgentID: "agent-1"}, "", provenance.RequestContext{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, itemID, item.ID)
	assert.Equal(t, model.OrderInProgress, st.orders[order.ID].State)

	_, err = e.Submit(ctx, itemID, json.RawMessage(`{"ok":true}`), "agent-1", nil, nil, "", provenance.RequestContext{AgentID: "agent-1"})
	require.NoError(t, err)

	assert.Equal(t, model.ItemCompleted, st.items[itemID].State)
	assert.Equal(t, model.OrderCompleted, st.orders[order.ID].State)
	require.Len(t, st.prov, 3, "propose, checkout and submit each capture provenance")
}

func TestGlobalCheckout_DispatchesByType(t *testing.T) {
	h := &stubHandler{autoApprove: false}
	e, _ := newTestEngine(h, config.Default())
	ctx := context.Background()

	order, err := e.Propose(ctx, "widget", json.RawMessage(`{}`), nil, 1,
		model.Actor{Kind: model.ActorUser, ID: "u1"}, "", provenance.RequestContext{AgentID: "u1"})
	require.NoError(t, err)

	item, err := e.Checkout(ctx, CheckoutRequest{
		Dispatch: lease.DispatchRequest{Type: "widget_item"},
		AgentID:  "agent-1",
	}, "", provenance.RequestContext{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, order.ID, item.OrderID)
}

func TestApprove_ManualPathWhenNotAutoApproved(t *testing.T) {
	h := &stubHandler{autoApprove: false}
	e, st := newTestEngine(h, config.Default())
	ctx := context.Background()

	order, err := e.Propose(ctx, "widget", json.RawMessage(`{}`), nil, 1,
		model.Actor{Kind: model.ActorUser, ID: "u1"}, "", provenance.RequestContext{AgentID: "u1"})
	require.NoError(t, err)
	itemID := soleItemID(st)

	_, err = e.Checkout(ctx, CheckoutRequest{OrderID: order.ID, AgentID: "agent-1"}, "", provenance.RequestContext{})
	require.NoError(t, err)
	_, err = e.Submit(ctx, itemID, json.RawMessage(`{"ok":true}`), "agent-1", nil, nil, "", provenance.RequestContext{})
	require.NoError(t, err)

	assert.Equal(t, model.OrderSubmitted, st.orders[order.ID].State, "no auto-approve: order waits in submitted")

	_, err = e.Approve(ctx, order.ID, model.Actor{Kind: model.ActorUser, ID: "approver"}, "")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, st.orders[order.ID].State)
}

func TestPropose_IdempotentReplayReturnsSameOrder(t *testing.T) {
	h := &stubHandler{autoApprove: false}
	e, st := newTestEngine(h, config.Default())
	ctx := context.Background()

	order1, err := e.Propose(ctx, "widget", json.RawMessage(`{}`), nil, 1,
		model.Actor{Kind: model.ActorUser, ID: "u1"}, "dedupe-key", provenance.RequestContext{})
	require.NoError(t, err)

	order2, err := e.Propose(ctx, "widget", json.RawMessage(`{}`), nil, 1,
		model.Actor{Kind: model.ActorUser, ID: "u1"}, "dedupe-key", provenance.RequestContext{})
	require.NoError(t, err)

	assert.Equal(t, order1.ID, order2.ID)
	assert.Len(t, st.orders, 1, "replay must not create a second order")
}

func TestFinalize_StrictModeMissingPartsSurfacesAsEngineError(t *testing.T) {
	h := &stubHandler{autoApprove: false, requiredParts: []string{"a", "b"}}
	e, st := newTestEngine(h, config.Default())
	ctx := context.Background()

	order, err := e.Propose(ctx, "widget", json.RawMessage(`{}`), nil, 1,
		model.Actor{Kind: model.ActorUser, ID: "u1"}, "", provenance.RequestContext{})
	require.NoError(t, err)
	itemID := soleItemID(st)
	_, err = e.Checkout(ctx, CheckoutRequest{OrderID: order.ID, AgentID: "agent-1"}, "", provenance.RequestContext{})
	require.NoError(t, err)

	_, err = e.SubmitPart(ctx, itemID, "a", nil, []byte(`{"v":1}`), "agent-1", nil, nil, "", provenance.RequestContext{})
	require.NoError(t, err)

	_, err = e.Finalize(ctx, itemID, executor.FinalizeStrict, "")
	require.Error(t, err)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, MissingRequiredParts, ferr.Kind)
}

func TestGetOrder_NotFoundClassifiesAsNotFound(t *testing.T) {
	h := &stubHandler{}
	e, _ := newTestEngine(h, config.Default())

	_, err := e.GetOrder(context.Background(), "missing")
	require.Error(t, err)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, NotFound, ferr.Kind)
}

func TestListOrders_InvalidFilterClassifiesAsFilterInvalid(t *testing.T) {
	h := &stubHandler{}
	e, _ := newTestEngine(h, config.Default())

	_, err := e.ListOrders(context.Background(), ListOrdersRequest{
		Filter: json.RawMessage(`{"field":"nope","op":"bogus_op"}`),
	})
	require.Error(t, err)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, FilterInvalid, ferr.Kind)
}

func TestTick_RunsOnlyRequestedPhase(t *testing.T) {
	h := &stubHandler{}
	e, _ := newTestEngine(h, config.Default())

	report := e.Tick(context.Background(), []string{maintenance.PhaseStaleOrders})
	assert.Empty(t, report.PassErrors)
	assert.Equal(t, 0, report.LeasesReclaimed)
}

func TestEventsFor_ItemScopeReturnsOnlyThatItemsEvents(t *testing.T) {
	h := &stubHandler{autoApprove: false}
	e, st := newTestEngine(h, config.Default())
	ctx := context.Background()

	order, err := e.Propose(ctx, "widget", json.RawMessage(`{}`), nil, 1,
		model.Actor{Kind: model.ActorUser, ID: "u1"}, "", provenance.RequestContext{})
	require.NoError(t, err)
	itemID := soleItemID(st)
	_, err = e.Checkout(ctx, CheckoutRequest{OrderID: order.ID, AgentID: "agent-1"}, "", provenance.RequestContext{})
	require.NoError(t, err)

	events, err := e.EventsFor(ctx, "", itemID)
	require.NoError(t, err)
	for _, ev := range events {
		require.NotNil(t, ev.ItemID)
		assert.Equal(t, itemID, *ev.ItemID)
	}

	orderEvents, err := e.EventsFor(ctx, order.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, orderEvents)
}
