package postgres

import (
	"encoding/json"
	"time"

	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/store"
)

// The db* row types mirror the public store.*Row shapes but hold JSONB
// columns as raw []byte so sqlx's reflect-based StructScan never has to
// guess how to assign into a json.RawMessage. Each has toModel/fromModel
// converters to the public shape.

type dbOrderRow struct {
	ID                 string     `db:"id"`
	Type               string     `db:"type"`
	State              string     `db:"state"`
	Priority           int        `db:"priority"`
	Payload            []byte     `db:"payload"`
	Meta               []byte     `db:"meta"`
	RequestedByKind    string     `db:"requested_by_kind"`
	RequestedByID      string     `db:"requested_by_id"`
	SchemaSnapshot     []byte     `db:"schema_snapshot"`
	CreatedAt          time.Time  `db:"created_at"`
	LastTransitionedAt time.Time  `db:"last_transitioned_at"`
	AppliedAt          *time.Time `db:"applied_at"`
	CompletedAt        *time.Time `db:"completed_at"`
}

func (r *dbOrderRow) toModel() *store.OrderRow {
	return &store.OrderRow{
		ID: r.ID, Type: r.Type, State: model.OrderState(r.State), Priority: r.Priority,
		Payload: json.RawMessage(r.Payload), Meta: json.RawMessage(r.Meta),
		RequestedByKind: model.ActorKind(r.RequestedByKind), RequestedByID: r.RequestedByID,
		SchemaSnapshot: json.RawMessage(r.SchemaSnapshot),
		CreatedAt: r.CreatedAt, LastTransitionedAt: r.LastTransitionedAt,
		AppliedAt: r.AppliedAt, CompletedAt: r.CompletedAt,
	}
}

func fromOrderModel(o *store.OrderRow) *dbOrderRow {
	return &dbOrderRow{
		ID: o.ID, Type: o.Type, State: string(o.State), Priority: o.Priority,
		Payload: []byte(o.Payload), Meta: []byte(orEmptyObj(o.Meta)),
		RequestedByKind: string(o.RequestedByKind), RequestedByID: o.RequestedByID,
		SchemaSnapshot: []byte(o.SchemaSnapshot),
		CreatedAt: o.CreatedAt, LastTransitionedAt: o.LastTransitionedAt,
		AppliedAt: o.AppliedAt, CompletedAt: o.CompletedAt,
	}
}

type dbItemRow struct {
	ID                  string     `db:"id"`
	OrderID             string     `db:"order_id"`
	Type                string     `db:"type"`
	State               string     `db:"state"`
	Input               []byte     `db:"input"`
	Result              []byte     `db:"result"`
	Attempts            int        `db:"attempts"`
	MaxAttempts         int        `db:"max_attempts"`
	LeasedByAgentID     *string    `db:"leased_by_agent_id"`
	LeaseExpiresAt      *time.Time `db:"lease_expires_at"`
	LastHeartbeatAt     *time.Time `db:"last_heartbeat_at"`
	PartsRequired       []byte     `db:"parts_required"`
	PartsState          []byte     `db:"parts_state"`
	AssembledResult     []byte     `db:"assembled_result"`
	Error               []byte     `db:"error"`
	CreatedAt           time.Time  `db:"created_at"`
	LastTransitionedAt  time.Time  `db:"last_transitioned_at"`
	AcceptedAt          *time.Time `db:"accepted_at"`
	CompletedAt         *time.Time `db:"completed_at"`
}

func (r *dbItemRow) toModel() *store.ItemRow {
	var partsReq []string
	_ = json.Unmarshal(r.PartsRequired, &partsReq)
	return &store.ItemRow{
		ID: r.ID, OrderID: r.OrderID, Type: r.Type, State: model.ItemState(r.State),
		Input: json.RawMessage(r.Input), Result: json.RawMessage(r.Result),
		Attempts: r.Attempts, MaxAttempts: r.MaxAttempts,
		LeasedByAgentID: r.LeasedByAgentID, LeaseExpiresAt: r.LeaseExpiresAt, LastHeartbeatAt: r.LastHeartbeatAt,
		PartsRequired: partsReq, PartsRequiredRaw: json.RawMessage(r.PartsRequired),
		PartsState: json.RawMessage(r.PartsState), AssembledResult: json.RawMessage(r.AssembledResult),
		Error: json.RawMessage(r.Error),
		CreatedAt: r.CreatedAt, LastTransitionedAt: r.LastTransitionedAt,
		AcceptedAt: r.AcceptedAt, CompletedAt: r.CompletedAt,
	}
}

func fromItemModel(i *store.ItemRow) *dbItemRow {
	partsReq := i.PartsRequiredRaw
	if len(partsReq) == 0 {
		b, _ := json.Marshal(i.PartsRequired)
		partsReq = b
	}
	return &dbItemRow{
		ID: i.ID, OrderID: i.OrderID, Type: i.Type, State: string(i.State),
		Input: []byte(i.Input), Result: []byte(orEmptyObj(i.Result)),
		Attempts: i.Attempts, MaxAttempts: i.MaxAttempts,
		LeasedByAgentID: i.LeasedByAgentID, LeaseExpiresAt: i.LeaseExpiresAt, LastHeartbeatAt: i.LastHeartbeatAt,
		PartsRequired: []byte(partsReq), PartsState: []byte(orEmptyObj(i.PartsState)),
		AssembledResult: []byte(orEmptyObj(i.AssembledResult)), Error: []byte(orEmptyObj(i.Error)),
		CreatedAt: i.CreatedAt, LastTransitionedAt: i.LastTransitionedAt,
		AcceptedAt: i.AcceptedAt, CompletedAt: i.CompletedAt,
	}
}

type dbPartRow struct {
	ID              string    `db:"id"`
	ItemID          string    `db:"item_id"`
	PartKey         string    `db:"part_key"`
	Seq             *int      `db:"seq"`
	Status          string    `db:"status"`
	Payload         []byte    `db:"payload"`
	Evidence        []byte    `db:"evidence"`
	Notes           *string   `db:"notes"`
	Errors          []byte    `db:"errors"`
	Checksum        string    `db:"checksum"`
	SubmittedByKind string    `db:"submitted_by_kind"`
	SubmittedByID   string    `db:"submitted_by_id"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *dbPartRow) toModel() *store.PartRow {
	return &store.PartRow{
		ID: r.ID, ItemID: r.ItemID, PartKey: r.PartKey, Seq: r.Seq, Status: model.PartStatus(r.Status),
		Payload: json.RawMessage(r.Payload), Evidence: json.RawMessage(r.Evidence), Notes: r.Notes,
		Errors: json.RawMessage(r.Errors), Checksum: r.Checksum,
		SubmittedByKind: model.ActorKind(r.SubmittedByKind), SubmittedByID: r.SubmittedByID,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type dbEventRow struct {
	ID        string    `db:"id"`
	OrderID   string    `db:"order_id"`
	ItemID    *string   `db:"item_id"`
	Kind      string    `db:"kind"`
	ActorKind string    `db:"actor_kind"`
	ActorID   string    `db:"actor_id"`
	Payload   []byte    `db:"payload"`
	Diff      []byte    `db:"diff"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *dbEventRow) toModel() *store.EventRow {
	return &store.EventRow{
		ID: r.ID, OrderID: r.OrderID, ItemID: r.ItemID, Kind: model.EventKind(r.Kind),
		ActorKind: model.ActorKind(r.ActorKind), ActorID: r.ActorID,
		Payload: json.RawMessage(r.Payload), Diff: json.RawMessage(r.Diff), CreatedAt: r.CreatedAt,
	}
}

func orEmptyObj(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
