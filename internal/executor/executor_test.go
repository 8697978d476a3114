package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderforge/workorder/internal/lease"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/registry"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store"
)

// fakeStore/fakeTx are an in-memory store.Store/Tx double sized to what the
// executor needs, in the style of internal/statemachine's fakeTx.
type fakeStore struct {
	orders map[string]*store.OrderRow
	items  map[string]*store.ItemRow
	parts  map[string][]*store.PartRow // keyed by itemID
	store.Store
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: map[string]*store.OrderRow{},
		items:  map[string]*store.ItemRow{},
		parts:  map[string][]*store.PartRow{},
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return fn(&fakeTx{s: f})
}

type fakeTx struct {
	store.Tx
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
	var out []*store.ItemRow
	for _, it := range f.s.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeTx) UpdateOrder(ctx context.Context, o *store.OrderRow) error {
	f.s.orders[o.ID] = o
	return nil
}

func (f *fakeTx) UpdateItem(ctx context.Context, i *store.ItemRow) error {
	f.s.items[i.ID] = i
	return nil
}

func (f *fakeTx) UpsertPart(ctx context.Context, p *store.PartRow) error {
	for i, existing := range f.s.parts[p.ItemID] {
		if existing.PartKey == p.PartKey && seqEqual(existing.Seq, p.Seq) {
			f.s.parts[p.ItemID][i] = p
			return nil
		}
	}
	f.s.parts[p.ItemID] = append(f.s.parts[p.ItemID], p)
	return nil
}

func seqEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (f *fakeTx) ListPartsForItem(ctx context.Context, itemID string) ([]*store.PartRow, error) {
	return f.s.parts[itemID], nil
}

func (f *fakeTx) InsertEvent(ctx context.Context, e *store.EventRow) error { return nil }

// stubHandler is a minimal registry.Handler used across executor tests.
type stubHandler struct {
	submissionErr  error
	partialErr     error
	requiredParts  []string
	assembleErr    error
	applyErr       error
	assembled      json.RawMessage
	autoApprove    bool
}

func (h *stubHandler) Schema() model.SchemaDescriptor { return model.SchemaDescriptor{TypeName: "stub"} }
func (h *stubHandler) Plan(order *store.OrderRow) ([]model.ItemSpec, error) { return nil, nil }
func (h *stubHandler) AcceptancePolicy() registry.AcceptancePolicy { return registry.DefaultAcceptancePolicy(h) }
func (h *stubHandler) ValidateSubmissionRules(item *store.ItemRow, result json.RawMessage) error {
	return h.submissionErr
}
func (h *stubHandler) AfterValidateSubmission(item *store.ItemRow, result json.RawMessage) error { return nil }
func (h *stubHandler) PartialRules(item *store.ItemRow, partKey string, seq *int, payload json.RawMessage) error {
	return h.partialErr
}
func (h *stubHandler) AfterValidatePart(item *store.ItemRow, partKey string, payload json.RawMessage, seq *int) error {
	return nil
}
func (h *stubHandler) RequiredParts(item *store.ItemRow) []string { return h.requiredParts }
func (h *stubHandler) Assemble(item *store.ItemRow, latest map[string]json.RawMessage) (json.RawMessage, error) {
	if h.assembleErr != nil {
		return nil, h.assembleErr
	}
	if h.assembled != nil {
		return h.assembled, nil
	}
	b, _ := json.Marshal(latest)
	return b, nil
}
func (h *stubHandler) ValidateAssembled(item *store.ItemRow, assembled json.RawMessage) error { return nil }
func (h *stubHandler) BeforeApply(order *store.OrderRow) error { return nil }
func (h *stubHandler) Apply(ctx context.Context, order *store.OrderRow) (model.Diff, error) {
	if h.applyErr != nil {
		return model.Diff{}, h.applyErr
	}
	return model.Diff{Summary: "applied"}, nil
}
func (h *stubHandler) AfterApply(order *store.OrderRow, diff model.Diff) error { return nil }
func (h *stubHandler) ShouldAutoApprove() bool { return h.autoApprove }

func newTestExecutor(h registry.Handler) (*Executor, *fakeStore) {
	reg := registry.New()
	reg.Register("stub", h)
	st := newFakeStore()
	machine := statemachine.New(nil, nil)
	leaseEngine := lease.NewEngine(st, machine, noopBackend{}, lease.DefaultConfig(), nil)
	return New(st, reg, machine, leaseEngine, nil), st
}

// noopBackend is a Backend stub: executor tests drive lease ownership
// directly through item.LeasedByAgentID and never exercise the lease
// engine's own acquire/extend/release path.
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
func (noopBackend) GetAllLeases(ctx context.Context) (map[string]string, error) {
	return nil, nil
}
func (noopBackend) ClearAll(ctx context.Context) error { return nil }

func seedLeasedItem(st *fakeStore, itemID, orderID, itemType string, state model.ItemState, agentID string) {
	agent := agentID
	st.orders[orderID] = &store.OrderRow{ID: orderID, Type: itemType, State: model.OrderInProgress}
	st.items[itemID] = &store.ItemRow{ID: itemID, OrderID: orderID, Type: itemType, State: state, LeasedByAgentID: &agent, MaxAttempts: 3}
}

func TestSubmit_HappyPath(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	seedLeasedItem(st, "i1", "o1", "stub", model.ItemLeased, "agent-1")

	item, err := e.Submit(context.Background(), "i1", json.RawMessage(`{"ok":true}`), "agent-1", nil, nil)

	require.NoError(t, err)
	assert.Equal(t, model.ItemSubmitted, item.State)
}

func TestSubmit_WrongAgentConflicts(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	seedLeasedItem(st, "i1", "o1", "stub", model.ItemLeased, "agent-1")

	_, err := e.Submit(context.Background(), "i1", json.RawMessage(`{}`), "agent-2", nil, nil)

	require.Error(t, err)
	assert.True(t, lease.IsConflict(err))
}

func TestSubmit_ValidationFailureRecordsError(t *testing.T) {
	h := &stubHandler{submissionErr: model.NewValidationError("submission_invalid", "$.foo", "bad")}
	e, st := newTestExecutor(h)
	seedLeasedItem(st, "i1", "o1", "stub", model.ItemLeased, "agent-1")

	_, err := e.Submit(context.Background(), "i1", json.RawMessage(`{}`), "agent-1", nil, nil)

	require.Error(t, err)
	assert.NotEmpty(t, st.items["i1"].Error)
	assert.Equal(t, model.ItemLeased, st.items["i1"].State, "item stays in its pre-submit state on validation failure")
}

func TestSubmitPart_ValidAndRejected(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	seedLeasedItem(st, "i1", "o1", "stub", model.ItemInProgress, "agent-1")

	part, err := e.SubmitPart(context.Background(), "i1", "section", nil, []byte(`{"v":1}`), "agent-1", nil, nil)

	require.NoError(t, err)
	assert.Equal(t, model.PartValidated, part.Status)
	assert.NotEmpty(t, st.items["i1"].PartsState)

	h.partialErr = model.NewValidationError("part_invalid", "$.v", "bad value")
	_, err = e.SubmitPart(context.Background(), "i1", "other", nil, []byte(`{"v":2}`), "agent-1", nil, nil)
	require.Error(t, err)
	require.Len(t, st.parts["i1"], 2)
	assert.Equal(t, model.PartRejected, st.parts["i1"][1].Status)
}

func TestFinalize_StrictModeMissingParts(t *testing.T) {
	h := &stubHandler{requiredParts: []string{"a", "b"}}
	e, st := newTestExecutor(h)
	seedLeasedItem(st, "i1", "o1", "stub", model.ItemInProgress, "agent-1")
	_, err := e.SubmitPart(context.Background(), "i1", "a", nil, []byte(`{}`), "agent-1", nil, nil)
	require.NoError(t, err)

	_, err = e.Finalize(context.Background(), "i1", FinalizeStrict)

	require.Error(t, err)
	var merr *MissingRequiredPartsError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, []string{"b"}, merr.Missing)
}

func TestFinalize_BestEffortSkipsMissingCheck(t *testing.T) {
	h := &stubHandler{requiredParts: []string{"a", "b"}}
	e, st := newTestExecutor(h)
	seedLeasedItem(st, "i1", "o1", "stub", model.ItemInProgress, "agent-1")
	_, err := e.SubmitPart(context.Background(), "i1", "a", nil, []byte(`{"v":1}`), "agent-1", nil, nil)
	require.NoError(t, err)

	item, err := e.Finalize(context.Background(), "i1", FinalizeBestEffort)

	require.NoError(t, err)
	assert.Equal(t, model.ItemSubmitted, item.State)
	assert.NotEmpty(t, item.AssembledResult)
}

func TestFinalize_PicksGreatestSeqPerKey(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	seedLeasedItem(st, "i1", "o1", "stub", model.ItemInProgress, "agent-1")
	seq1, seq2 := 1, 2
	_, err := e.SubmitPart(context.Background(), "i1", "k", &seq1, []byte(`{"v":"old"}`), "agent-1", nil, nil)
	require.NoError(t, err)
	_, err = e.SubmitPart(context.Background(), "i1", "k", &seq2, []byte(`{"v":"new"}`), "agent-1", nil, nil)
	require.NoError(t, err)

	item, err := e.Finalize(context.Background(), "i1", FinalizeBestEffort)

	require.NoError(t, err)
	assert.Contains(t, string(item.AssembledResult), "new")
	assert.NotContains(t, string(item.AssembledResult), "old")
}

func TestApprove_NotReady(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	st.orders["o1"] = &store.OrderRow{ID: "o1", Type: "stub", State: model.OrderSubmitted}
	st.items["i1"] = &store.ItemRow{ID: "i1", OrderID: "o1", Type: "stub", State: model.ItemLeased}

	_, _, err := e.Approve(context.Background(), "o1", model.SystemActor)

	require.Error(t, err)
	var nerr *NotReadyForApprovalError
	require.ErrorAs(t, err, &nerr)
}

func TestApprove_AppliesAndCompletesOrder(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	st.orders["o1"] = &store.OrderRow{ID: "o1", Type: "stub", State: model.OrderSubmitted}
	st.items["i1"] = &store.ItemRow{ID: "i1", OrderID: "o1", Type: "stub", State: model.ItemSubmitted}

	order, diff, err := e.Approve(context.Background(), "o1", model.SystemActor)

	require.NoError(t, err)
	assert.Equal(t, "applied", diff.Summary)
	assert.Equal(t, model.OrderCompleted, order.State)
	assert.Equal(t, model.ItemCompleted, st.items["i1"].State)
}

func TestApply_FailureTransitionsOrderToFailed(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	st.orders["o1"] = &store.OrderRow{ID: "o1", Type: "stub", State: model.OrderApproved}
	h.applyErr = assertableErr{"boom"}

	_, _, err := e.Apply(context.Background(), "o1")

	require.Error(t, err)
	var aerr *ApplyFailedError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, model.OrderFailed, st.orders["o1"].State)
}

func TestApply_IdempotentOnAlreadyAppliedOrder(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	st.orders["o1"] = &store.OrderRow{ID: "o1", Type: "stub", State: model.OrderCompleted}
	st.items["i1"] = &store.ItemRow{ID: "i1", OrderID: "o1", Type: "stub", State: model.ItemCompleted}

	order, _, err := e.Apply(context.Background(), "o1")

	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, order.State)
	assert.Equal(t, model.ItemCompleted, st.items["i1"].State, "completed items must not reopen")
}

func TestReject_TerminalWithoutRework(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	st.orders["o1"] = &store.OrderRow{ID: "o1", Type: "stub", State: model.OrderSubmitted}

	order, err := e.Reject(context.Background(), "o1", []model.ValidationIssue{{Path: "$", Message: "no"}}, model.SystemActor, false)

	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, order.State)
}

func TestReject_WithReworkRequeues(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	st.orders["o1"] = &store.OrderRow{ID: "o1", Type: "stub", State: model.OrderSubmitted}

	order, err := e.Reject(context.Background(), "o1", nil, model.SystemActor, true)

	require.NoError(t, err)
	assert.Equal(t, model.OrderQueued, order.State)
}

func TestFail_TransitionsItemToFailed(t *testing.T) {
	h := &stubHandler{}
	e, st := newTestExecutor(h)
	st.items["i1"] = &store.ItemRow{ID: "i1", OrderID: "o1", Type: "stub", State: model.ItemLeased}

	item, err := e.Fail(context.Background(), "i1", model.ErrorDiagnostic{Code: "boom", Message: "boom"})

	require.NoError(t, err)
	assert.Equal(t, model.ItemFailed, item.State)
	assert.NotEmpty(t, item.Error)
}

type assertableErr struct{ msg string }

func (e assertableErr) Error() string { return e.msg }
