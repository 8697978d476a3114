package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/store"
)

// tx wraps one *sqlx.Tx and implements store.Tx. Every method here runs
// inside the transaction DB.WithTx opened; none of them commit or roll
// back themselves.
type tx struct {
	tx *sqlx.Tx
}

func (t *tx) LockOrder(ctx context.Context, id string) (*store.OrderRow, error) {
	var r dbOrderRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM orders WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", id, err)
	}
	return r.toModel(), nil
}

func (t *tx) LockItem(ctx context.Context, id string) (*store.ItemRow, error) {
	var r dbItemRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM items WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock item %s: %w", id, err)
	}
	return r.toModel(), nil
}

func (t *tx) ListItemsByOrderForUpdate(ctx context.Context, orderID string) ([]*store.ItemRow, error) {
	var rows []dbItemRow
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT * FROM items WHERE order_id = $1 ORDER BY created_at ASC FOR UPDATE`, orderID)
	if err != nil {
		return nil, fmt.Errorf("lock items for order %s: %w", orderID, err)
	}
	out := make([]*store.ItemRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (t *tx) InsertOrder(ctx context.Context, o *store.OrderRow) error {
	r := fromOrderModel(o)
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO orders (
			id, type, state, priority, payload, meta, requested_by_kind, requested_by_id,
			schema_snapshot, created_at, last_transitioned_at, applied_at, completed_at
		) VALUES (
			:id, :type, :state, :priority, :payload, :meta, :requested_by_kind, :requested_by_id,
			:schema_snapshot, :created_at, :last_transitioned_at, :applied_at, :completed_at
		)`, r)
	return wrapWriteErr(err)
}

func (t *tx) UpdateOrder(ctx context.Context, o *store.OrderRow) error {
	r := fromOrderModel(o)
	_, err := t.tx.NamedExecContext(ctx, `
		UPDATE orders SET
			state = :state, priority = :priority, payload = :payload, meta = :meta,
			schema_snapshot = :schema_snapshot, last_transitioned_at = :last_transitioned_at,
			applied_at = :applied_at, completed_at = :completed_at
		WHERE id = :id`, r)
	return wrapWriteErr(err)
}

func (t *tx) InsertItem(ctx context.Context, i *store.ItemRow) error {
	r := fromItemModel(i)
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO items (
			id, order_id, type, state, input, result, attempts, max_attempts,
			leased_by_agent_id, lease_expires_at, last_heartbeat_at, parts_required,
			parts_state, assembled_result, error, created_at, last_transitioned_at,
			accepted_at, completed_at
		) VALUES (
			:id, :order_id, :type, :state, :input, :result, :attempts, :max_attempts,
			:leased_by_agent_id, :lease_expires_at, :last_heartbeat_at, :parts_required,
			:parts_state, :assembled_result, :error, :created_at, :last_transitioned_at,
			:accepted_at, :completed_at
		)`, r)
	return wrapWriteErr(err)
}

func (t *tx) UpdateItem(ctx context.Context, i *store.ItemRow) error {
	r := fromItemModel(i)
	_, err := t.tx.NamedExecContext(ctx, `
		UPDATE items SET
			state = :state, result = :result, attempts = :attempts,
			leased_by_agent_id = :leased_by_agent_id, lease_expires_at = :lease_expires_at,
			last_heartbeat_at = :last_heartbeat_at, parts_state = :parts_state,
			assembled_result = :assembled_result, error = :error,
			last_transitioned_at = :last_transitioned_at,
			accepted_at = :accepted_at, completed_at = :completed_at
		WHERE id = :id`, r)
	return wrapWriteErr(err)
}

// partSeqSentinel stands in for a NULL seq in the uniqueness expression
// index so that "no seq" collapses to one slot per (item, partKey),
// matching spec §3's "null denotes a single version for this key".
const partSeqSentinel = -1

func seqOrSentinel(seq *int) int {
	if seq == nil {
		return partSeqSentinel
	}
	return *seq
}

func (t *tx) UpsertPart(ctx context.Context, p *store.PartRow) error {
	r := &dbPartRow{
		ID: p.ID, ItemID: p.ItemID, PartKey: p.PartKey, Seq: p.Seq, Status: string(p.Status),
		Payload: []byte(orEmptyObj(p.Payload)), Evidence: []byte(orEmptyObj(p.Evidence)), Notes: p.Notes,
		Errors: []byte(orEmptyObj(p.Errors)), Checksum: p.Checksum,
		SubmittedByKind: string(p.SubmittedByKind), SubmittedByID: p.SubmittedByID,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO parts (
			id, item_id, part_key, seq, status, payload, evidence, notes, errors,
			checksum, submitted_by_kind, submitted_by_id, created_at, updated_at
		) VALUES (
			:id, :item_id, :part_key, :seq, :status, :payload, :evidence, :notes, :errors,
			:checksum, :submitted_by_kind, :submitted_by_id, :created_at, :updated_at
		)
		ON CONFLICT (item_id, part_key, (COALESCE(seq, -1))) DO UPDATE SET
			status = EXCLUDED.status, payload = EXCLUDED.payload, evidence = EXCLUDED.evidence,
			notes = EXCLUDED.notes, errors = EXCLUDED.errors, checksum = EXCLUDED.checksum,
			submitted_by_kind = EXCLUDED.submitted_by_kind, submitted_by_id = EXCLUDED.submitted_by_id,
			updated_at = EXCLUDED.updated_at`, r)
	return wrapWriteErr(err)
}

func (t *tx) GetPart(ctx context.Context, itemID, partKey string, seq *int) (*store.PartRow, error) {
	var r dbPartRow
	err := t.tx.GetContext(ctx, &r,
		`SELECT * FROM parts WHERE item_id = $1 AND part_key = $2 AND COALESCE(seq, -1) = $3`,
		itemID, partKey, seqOrSentinel(seq))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get part %s/%s: %w", itemID, partKey, err)
	}
	return r.toModel(), nil
}

func (t *tx) ListPartsForItem(ctx context.Context, itemID string) ([]*store.PartRow, error) {
	var rows []dbPartRow
	err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM parts WHERE item_id = $1 ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list parts for item %s: %w", itemID, err)
	}
	out := make([]*store.PartRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (t *tx) InsertEvent(ctx context.Context, e *store.EventRow) error {
	r := &dbEventRow{
		ID: e.ID, OrderID: e.OrderID, ItemID: e.ItemID, Kind: string(e.Kind),
		ActorKind: string(e.ActorKind), ActorID: e.ActorID,
		Payload: []byte(orEmptyObj(e.Payload)), Diff: []byte(orEmptyObj(e.Diff)), CreatedAt: e.CreatedAt,
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO events (id, order_id, item_id, kind, actor_kind, actor_id, payload, diff, created_at)
		VALUES (:id, :order_id, :item_id, :kind, :actor_kind, :actor_id, :payload, :diff, :created_at)`, r)
	return wrapWriteErr(err)
}

func (t *tx) InsertProvenance(ctx context.Context, p *store.ProvenanceRow) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO provenance (
			id, order_id, item_id, agent_id, agent_name, agent_version, model_name, runtime_tag,
			request_id, request_fingerprint, ip, user_agent, auth_user_id, session_id, created_at
		) VALUES (
			:id, :order_id, :item_id, :agent_id, :agent_name, :agent_version, :model_name, :runtime_tag,
			:request_id, :request_fingerprint, :ip, :user_agent, :auth_user_id, :session_id, :created_at
		)`, p)
	return wrapWriteErr(err)
}

func (t *tx) InsertIdempotencyKey(ctx context.Context, k *store.IdempotencyKeyRow) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO idempotency_keys (scope, key_hash, response_snapshot, created_at)
		VALUES (:scope, :key_hash, :response_snapshot, :created_at)`, k)
	return wrapWriteErr(err)
}

func (t *tx) GetIdempotencyKey(ctx context.Context, scope, keyHash string) (*store.IdempotencyKeyRow, error) {
	var r store.IdempotencyKeyRow
	err := t.tx.GetContext(ctx, &r,
		`SELECT * FROM idempotency_keys WHERE scope = $1 AND key_hash = $2`, scope, keyHash)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return &r, nil
}

func (t *tx) ListExpiredLeaseItems(ctx context.Context, now time.Time, limit int) ([]*store.ItemRow, error) {
	var rows []dbItemRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM items
		WHERE state = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
		ORDER BY lease_expires_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED`,
		string(model.ItemLeased), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired lease items: %w", err)
	}
	out := make([]*store.ItemRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (t *tx) ListFailedOrdersOlderThan(ctx context.Context, cutoff time.Time) ([]*store.OrderRow, error) {
	var rows []dbOrderRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM orders
		WHERE state = $1 AND last_transitioned_at < $2
		ORDER BY last_transitioned_at ASC FOR UPDATE SKIP LOCKED`,
		string(model.OrderFailed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list failed orders: %w", err)
	}
	out := make([]*store.OrderRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (t *tx) ListFailedItemsOlderThan(ctx context.Context, cutoff time.Time) ([]*store.ItemRow, error) {
	var rows []dbItemRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM items
		WHERE state = $1 AND last_transitioned_at < $2
		ORDER BY last_transitioned_at ASC FOR UPDATE SKIP LOCKED`,
		string(model.ItemFailed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	out := make([]*store.ItemRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (t *tx) ListStaleOrders(ctx context.Context, cutoff time.Time) ([]*store.OrderRow, error) {
	var rows []dbOrderRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM orders
		WHERE state NOT IN ($1, $2) AND last_transitioned_at < $3
		ORDER BY last_transitioned_at ASC FOR UPDATE SKIP LOCKED`,
		string(model.OrderCompleted), string(model.OrderDeadLettered),
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	out := make([]*store.OrderRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}
