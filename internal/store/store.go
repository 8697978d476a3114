// Package store defines the persistence model (C2): row shapes for the six
// entity tables of spec §3 and the Store/Tx interfaces every other core
// package depends on. The only concrete implementation shipped is
// internal/store/postgres, but nothing above this package imports it
// directly — handlers and the engine depend on these interfaces so that
// "any engine supporting row locks, JSON-valued columns, and uniqueness
// constraints over composite keys suffices" (spec §4.1) remains true in Go.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/orderforge/workorder/internal/model"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness constraint is violated by an
// insert that the caller did not expect to race (used by the idempotency
// guard to detect a concurrent winner).
var ErrConflict = errors.New("store: uniqueness conflict")

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// OrderRow is the persisted representation of an Order (spec §3).
type OrderRow struct {
	ID                  string          `db:"id"`
	Type                string          `db:"type"`
	State               model.OrderState `db:"state"`
	Priority            int             `db:"priority"`
	Payload             json.RawMessage `db:"payload"`
	Meta                json.RawMessage `db:"meta"`
	RequestedByKind     model.ActorKind `db:"requested_by_kind"`
	RequestedByID       string          `db:"requested_by_id"`
	SchemaSnapshot      json.RawMessage `db:"schema_snapshot"`
	CreatedAt           time.Time       `db:"created_at"`
	LastTransitionedAt  time.Time       `db:"last_transitioned_at"`
	AppliedAt           *time.Time      `db:"applied_at"`
	CompletedAt         *time.Time      `db:"completed_at"`
}

// ItemRow is the persisted representation of an Item (spec §3).
type ItemRow struct {
	ID               string          `db:"id"`
	OrderID          string          `db:"order_id"`
	Type             string          `db:"type"`
	State            model.ItemState `db:"state"`
	Input            json.RawMessage `db:"input"`
	Result           json.RawMessage `db:"result"`
	Attempts         int             `db:"attempts"`
	MaxAttempts      int             `db:"max_attempts"`
	LeasedByAgentID  *string         `db:"leased_by_agent_id"`
	LeaseExpiresAt   *time.Time      `db:"lease_expires_at"`
	LastHeartbeatAt  *time.Time      `db:"last_heartbeat_at"`
	PartsRequired    []string        `db:"-"` // marshaled into PartsRequiredRaw for storage
	PartsRequiredRaw json.RawMessage `db:"parts_required"`
	PartsState       json.RawMessage `db:"parts_state"` // materialised map partKey -> PartStateView
	AssembledResult  json.RawMessage `db:"assembled_result"`
	Error            json.RawMessage `db:"error"`
	CreatedAt        time.Time       `db:"created_at"`
	LastTransitionedAt time.Time     `db:"last_transitioned_at"`
	AcceptedAt       *time.Time      `db:"accepted_at"`
	CompletedAt      *time.Time      `db:"completed_at"`
}

// PartStateView is one entry of an item's materialised partsState map.
type PartStateView struct {
	Status      model.PartStatus `json:"status"`
	Seq         *int             `json:"seq"`
	Checksum    string           `json:"checksum"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// PartRow is the persisted representation of a Part (spec §3).
type PartRow struct {
	ID              string           `db:"id"`
	ItemID          string           `db:"item_id"`
	PartKey         string           `db:"part_key"`
	Seq             *int             `db:"seq"`
	Status          model.PartStatus `db:"status"`
	Payload         json.RawMessage  `db:"payload"`
	Evidence        json.RawMessage  `db:"evidence"`
	Notes           *string          `db:"notes"`
	Errors          json.RawMessage  `db:"errors"`
	Checksum        string           `db:"checksum"`
	SubmittedByKind model.ActorKind  `db:"submitted_by_kind"`
	SubmittedByID   string           `db:"submitted_by_id"`
	CreatedAt       time.Time        `db:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at"`
}

// EventRow is an append-only audit record (spec §3). Never updated, never deleted.
type EventRow struct {
	ID         string          `db:"id"`
	OrderID    string          `db:"order_id"`
	ItemID     *string         `db:"item_id"`
	Kind       model.EventKind `db:"kind"`
	ActorKind  model.ActorKind `db:"actor_kind"`
	ActorID    string          `db:"actor_id"`
	Payload    json.RawMessage `db:"payload"`
	Diff       json.RawMessage `db:"diff"`
	CreatedAt  time.Time       `db:"created_at"`
}

// ProvenanceRow is an append-only per-action provenance record (spec §3, §4.9).
type ProvenanceRow struct {
	ID              string    `db:"id"`
	OrderID         string    `db:"order_id"`
	ItemID          *string   `db:"item_id"`
	AgentID         string    `db:"agent_id"`
	AgentName       *string   `db:"agent_name"`
	AgentVersion    *string   `db:"agent_version"`
	ModelName       *string   `db:"model_name"`
	RuntimeTag      *string   `db:"runtime_tag"`
	RequestID       string    `db:"request_id"`
	RequestFingerprint string `db:"request_fingerprint"`
	IP              *string   `db:"ip"`
	UserAgent       *string   `db:"user_agent"`
	AuthUserID      *string   `db:"auth_user_id"`
	SessionID       *string   `db:"session_id"`
	CreatedAt       time.Time `db:"created_at"`
}

// IdempotencyKeyRow is the immutable (scope, keyHash) -> response record (spec §3, §4.7).
type IdempotencyKeyRow struct {
	Scope            string          `db:"scope"`
	KeyHash          string          `db:"key_hash"`
	ResponseSnapshot json.RawMessage `db:"response_snapshot"`
	CreatedAt        time.Time       `db:"created_at"`
}

// ListOrdersQuery and SortTerm support the listOrders operation of
// §6; the tree shape and operator set live in internal/filter — Store only
// needs to accept the already-validated rendering of them.
type ListOrdersQuery struct {
	Filter     interface{} // *filter.Node, kept as interface{} to avoid an import cycle with internal/filter
	Sort       []SortTerm
	Limit      int
	Offset     int
}

// SortTerm is one ORDER BY clause element.
type SortTerm struct {
	Field      string
	Descending bool
}

// Store is the persistence-model entry point. Every mutating operation in
// the engine begins with Store.WithTx so that the state write and its audit
// event share one atomic unit (invariant I5).
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	// ListOrders and ListDispatchCandidates are read paths that do not need a
	// row lock and so are not part of Tx.
	ListOrders(ctx context.Context, q ListOrdersQuery) ([]*OrderRow, error)
	ListEventsForOrder(ctx context.Context, orderID string) ([]*EventRow, error)
	ListEventsForItem(ctx context.Context, itemID string) ([]*EventRow, error)
	ListPartsForItem(ctx context.Context, itemID string) ([]*PartRow, error)
	GetOrder(ctx context.Context, id string) (*OrderRow, error)
	GetItem(ctx context.Context, id string) (*ItemRow, error)
	ListItemsByOrder(ctx context.Context, orderID string) ([]*ItemRow, error)
	// ListDispatchCandidates returns queued/in_progress, unleased items
	// matching the lease-dispatch filters, ordered by (order priority desc,
	// item createdAt asc) as required by §4.4's global dispatch ordering.
	ListDispatchCandidates(ctx context.Context, f DispatchFilter) ([]*ItemRow, error)
	// CountActiveLeases supports the per-agent/per-type caps of §4.4.
	CountActiveLeasesByAgent(ctx context.Context, agentID string) (int, error)
	CountActiveLeasesByType(ctx context.Context, itemType string) (int, error)
}

// DispatchFilter narrows acquireNext's candidate search (spec §4.4).
type DispatchFilter struct {
	Type        string
	MinPriority *int
	TenantPath  []string // dotted path segments into order.meta, e.g. ["tenant", "id"]
	TenantValue string
}

// Tx is the set of row-locking mutations available inside one
// Store.WithTx unit. All of these operations are expected to be
// transactionally consistent with each other.
type Tx interface {
	// LockOrder/LockItem take "select ... for update" (or equivalent
	// exclusive lock) on the row and return its current state.
	LockOrder(ctx context.Context, id string) (*OrderRow, error)
	LockItem(ctx context.Context, id string) (*ItemRow, error)
	ListItemsByOrderForUpdate(ctx context.Context, orderID string) ([]*ItemRow, error)

	InsertOrder(ctx context.Context, o *OrderRow) error
	UpdateOrder(ctx context.Context, o *OrderRow) error
	InsertItem(ctx context.Context, i *ItemRow) error
	UpdateItem(ctx context.Context, i *ItemRow) error

	UpsertPart(ctx context.Context, p *PartRow) error
	GetPart(ctx context.Context, itemID, partKey string, seq *int) (*PartRow, error)
	ListPartsForItem(ctx context.Context, itemID string) ([]*PartRow, error)

	InsertEvent(ctx context.Context, e *EventRow) error
	InsertProvenance(ctx context.Context, p *ProvenanceRow) error

	// InsertIdempotencyKey returns ErrConflict (not an error to the caller
	// necessarily) if the (scope, keyHash) pair already exists.
	InsertIdempotencyKey(ctx context.Context, k *IdempotencyKeyRow) error
	GetIdempotencyKey(ctx context.Context, scope, keyHash string) (*IdempotencyKeyRow, error)

	// ListExpiredLeaseItems / ListFailedOrdersOlderThan / ListStaleOrders
	// back the three maintenance passes (§4.8). They return full rows and
	// lock every row they return for the rest of the transaction, skipping
	// rows another transaction already holds.
	ListExpiredLeaseItems(ctx context.Context, now time.Time, limit int) ([]*ItemRow, error)
	ListFailedOrdersOlderThan(ctx context.Context, cutoff time.Time) ([]*OrderRow, error)
	ListFailedItemsOlderThan(ctx context.Context, cutoff time.Time) ([]*ItemRow, error)
	ListStaleOrders(ctx context.Context, cutoff time.Time) ([]*OrderRow, error)
}
