package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store"
)

// fakeStore and fakeTx are minimal in-memory doubles, mirroring the style of
// internal/statemachine's fakeTx, sized to exactly what Engine needs.
type fakeStore struct {
	items map[string]*store.ItemRow
	store.Store
}

func newFakeStore(items ...*store.ItemRow) *fakeStore {
	m := map[string]*store.ItemRow{}
	for _, it := range items {
		m[it.ID] = it
	}
	return &fakeStore{items: m}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return fn(&fakeTx{items: f.items})
}

func (f *fakeStore) CountActiveLeasesByAgent(ctx context.Context, agentID string) (int, error) {
	n := 0
	for _, it := range f.items {
		if it.LeasedByAgentID != nil && *it.LeasedByAgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountActiveLeasesByType(ctx context.Context, itemType string) (int, error) {
	n := 0
	for _, it := range f.items {
		if it.Type == itemType && it.LeasedByAgentID != nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListDispatchCandidates(ctx context.Context, df store.DispatchFilter) ([]*store.ItemRow, error) {
	var out []*store.ItemRow
	for _, it := range f.items {
		if it.Type == df.Type && it.LeasedByAgentID == nil && it.State == model.ItemQueued {
			out = append(out, it)
		}
	}
	return out, nil
}

type fakeTx struct {
	store.Tx
	items map[string]*store.ItemRow
}

func (f *fakeTx) LockItem(ctx context.Context, id string) (*store.ItemRow, error) {
	it, ok := f.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return it, nil
}

func (f *fakeTx) UpdateItem(ctx context.Context, i *store.ItemRow) error {
	f.items[i.ID] = i
	return nil
}

func (f *fakeTx) InsertEvent(ctx context.Context, e *store.EventRow) error { return nil }

func (f *fakeTx) ListExpiredLeaseItems(ctx context.Context, now time.Time, limit int) ([]*store.ItemRow, error) {
	var out []*store.ItemRow
	for _, it := range f.items {
		if it.LeaseExpiresAt != nil && it.LeaseExpiresAt.Before(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

// fakeBackend is an in-memory lease.Backend double.
type fakeBackend struct {
	owners map[string]string
}

func newFakeBackend() *fakeBackend { return &fakeBackend{owners: map[string]string{}} }

func (b *fakeBackend) Acquire(ctx context.Context, itemID, agentID string, ttl time.Duration) error {
	if owner, ok := b.owners[itemID]; ok && owner != agentID {
		return ErrConflict
	}
	b.owners[itemID] = agentID
	return nil
}

func (b *fakeBackend) Extend(ctx context.Context, itemID, agentID string, ttl time.Duration) error {
	if owner, ok := b.owners[itemID]; !ok || owner != agentID {
		return ErrConflict
	}
	return nil
}

func (b *fakeBackend) Release(ctx context.Context, itemID, agentID string) error {
	if owner, ok := b.owners[itemID]; !ok || owner != agentID {
		return ErrConflict
	}
	delete(b.owners, itemID)
	return nil
}

func (b *fakeBackend) Reclaim(ctx context.Context, itemIDs []string) (int, error) {
	for _, id := range itemIDs {
		delete(b.owners, id)
	}
	return len(itemIDs), nil
}

func (b *fakeBackend) GetOwner(ctx context.Context, itemID string) (string, bool, error) {
	owner, ok := b.owners[itemID]
	return owner, ok, nil
}

func (b *fakeBackend) GetTTL(ctx context.Context, itemID string) (time.Duration, bool, error) {
	return 0, false, nil
}

func (b *fakeBackend) GetAllLeases(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range b.owners {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBackend) ClearAll(ctx context.Context) error {
	b.owners = map[string]string{}
	return nil
}

func newTestEngine(items ...*store.ItemRow) (*Engine, *fakeStore, *fakeBackend) {
	st := newFakeStore(items...)
	backend := newFakeBackend()
	machine := statemachine.New(nil, nil)
	return NewEngine(st, machine, backend, DefaultConfig(), nil), st, backend
}

func TestEngine_Acquire(t *testing.T) {
	item := &store.ItemRow{ID: "i1", OrderID: "o1", Type: "build", State: model.ItemQueued, MaxAttempts: 3}
	e, _, backend := newTestEngine(item)

	got, err := e.Acquire(context.Background(), "i1", "agent-1")

	require.NoError(t, err)
	assert.Equal(t, model.ItemLeased, got.State)
	require.NotNil(t, got.LeasedByAgentID)
	assert.Equal(t, "agent-1", *got.LeasedByAgentID)
	owner, ok, _ := backend.GetOwner(context.Background(), "i1")
	assert.True(t, ok)
	assert.Equal(t, "agent-1", owner)
}

func TestEngine_Acquire_ConflictRollsBackBackend(t *testing.T) {
	item := &store.ItemRow{ID: "i1", OrderID: "o1", Type: "build", State: model.ItemCompleted, MaxAttempts: 3}
	e, _, backend := newTestEngine(item)

	_, err := e.Acquire(context.Background(), "i1", "agent-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotLeasable)
	_, ok, _ := backend.GetOwner(context.Background(), "i1")
	assert.False(t, ok, "backend lease should be rolled back after tx failure")
}

func TestEngine_Acquire_ConflictWhenAlreadyLeased(t *testing.T) {
	item := &store.ItemRow{ID: "i1", OrderID: "o1", Type: "build", State: model.ItemQueued, MaxAttempts: 3}
	e, _, _ := newTestEngine(item)
	ctx := context.Background()
	_, err := e.Acquire(ctx, "i1", "agent-1")
	require.NoError(t, err)

	_, err = e.Acquire(ctx, "i1", "agent-2")

	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestEngine_Extend(t *testing.T) {
	item := &store.ItemRow{ID: "i1", OrderID: "o1", Type: "build", State: model.ItemQueued, MaxAttempts: 3}
	e, _, _ := newTestEngine(item)
	ctx := context.Background()
	_, err := e.Acquire(ctx, "i1", "agent-1")
	require.NoError(t, err)

	got, err := e.Extend(ctx, "i1", "agent-1")

	require.NoError(t, err)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.After(time.Now()))
}

func TestEngine_Extend_WrongAgent(t *testing.T) {
	item := &store.ItemRow{ID: "i1", OrderID: "o1", Type: "build", State: model.ItemQueued, MaxAttempts: 3}
	e, _, _ := newTestEngine(item)
	ctx := context.Background()
	_, err := e.Acquire(ctx, "i1", "agent-1")
	require.NoError(t, err)

	_, err = e.Extend(ctx, "i1", "agent-2")

	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestEngine_Release(t *testing.T) {
	item := &store.ItemRow{ID: "i1", OrderID: "o1", Type: "build", State: model.ItemQueued, MaxAttempts: 3}
	e, _, backend := newTestEngine(item)
	ctx := context.Background()
	_, err := e.Acquire(ctx, "i1", "agent-1")
	require.NoError(t, err)

	got, err := e.Release(ctx, "i1", "agent-1")

	require.NoError(t, err)
	assert.Equal(t, model.ItemQueued, got.State)
	assert.Nil(t, got.LeasedByAgentID)
	_, ok, _ := backend.GetOwner(ctx, "i1")
	assert.False(t, ok)
}

func TestEngine_Reclaim_RequeuesUnderMaxAttempts(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	agent := "agent-1"
	item := &store.ItemRow{
		ID: "i1", OrderID: "o1", Type: "build", State: model.ItemLeased,
		Attempts: 0, MaxAttempts: 3, LeasedByAgentID: &agent, LeaseExpiresAt: &past,
	}
	e, _, _ := newTestEngine(item)

	reclaimed, deadEnded, err := e.Reclaim(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, 0, deadEnded)
	assert.Equal(t, model.ItemQueued, item.State)
	assert.Equal(t, 1, item.Attempts)
	assert.Nil(t, item.LeasedByAgentID)
}

func TestEngine_Reclaim_FailsAtMaxAttempts(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	agent := "agent-1"
	item := &store.ItemRow{
		ID: "i1", OrderID: "o1", Type: "build", State: model.ItemLeased,
		Attempts: 2, MaxAttempts: 3, LeasedByAgentID: &agent, LeaseExpiresAt: &past,
	}
	e, _, _ := newTestEngine(item)

	reclaimed, deadEnded, err := e.Reclaim(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.Equal(t, 1, deadEnded)
	assert.Equal(t, model.ItemFailed, item.State)
	assert.NotEmpty(t, item.Error)
}

func TestAcquireNext_RespectsPriorityOrderAndCaps(t *testing.T) {
	item := &store.ItemRow{ID: "i1", OrderID: "o1", Type: "build", State: model.ItemQueued, MaxAttempts: 3}
	e, _, _ := newTestEngine(item)

	res, err := e.AcquireNext(context.Background(), "agent-1", DispatchRequest{Type: "build"})

	require.NoError(t, err)
	assert.Equal(t, "i1", res.Item.ID)
}

func TestAcquireNext_NoWork(t *testing.T) {
	e, _, _ := newTestEngine()

	_, err := e.AcquireNext(context.Background(), "agent-1", DispatchRequest{Type: "build"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestAcquireNext_AgentCapReached(t *testing.T) {
	leased := "agent-1"
	a := &store.ItemRow{ID: "i1", OrderID: "o1", Type: "build", State: model.ItemLeased, LeasedByAgentID: &leased}
	b := &store.ItemRow{ID: "i2", OrderID: "o1", Type: "build", State: model.ItemQueued}
	st := newFakeStore(a, b)
	backend := newFakeBackend()
	backend.owners["i1"] = leased
	machine := statemachine.New(nil, nil)
	cfg := DefaultConfig()
	cfg.AgentCap = 1
	e := NewEngine(st, machine, backend, cfg, nil)

	_, err := e.AcquireNext(context.Background(), "agent-1", DispatchRequest{Type: "build"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentCapReached)
}
