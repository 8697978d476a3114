package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/orderforge/workorder/internal/filter"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/store"
)

// ListOrders implements the listOrders read path (spec §6), translating the
// already-validated filter.Node into a JSONB-aware WHERE clause via
// renderFilter and applying sort/pagination on top.
func (d *DB) ListOrders(ctx context.Context, q store.ListOrdersQuery) ([]*store.OrderRow, error) {
	where := "TRUE"
	var args []interface{}

	if q.Filter != nil {
		n, ok := q.Filter.(*filter.Node)
		if !ok {
			return nil, fmt.Errorf("listOrders: unexpected filter type %T", q.Filter)
		}
		if n != nil {
			c, a, err := renderFilter(n, 1)
			if err != nil {
				return nil, err
			}
			where, args = c, a
		}
	}

	orderBy := "created_at DESC"
	if len(q.Sort) > 0 {
		terms := make([]string, 0, len(q.Sort))
		for _, s := range q.Sort {
			expr, _ := columnExpr(s.Field)
			dir := "ASC"
			if s.Descending {
				dir = "DESC"
			}
			terms = append(terms, fmt.Sprintf("%s %s", expr, dir))
		}
		orderBy = joinStrings(terms, ", ")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT * FROM orders WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		where, orderBy, len(args)+1, len(args)+2)
	args = append(args, limit, q.Offset)

	var rows []dbOrderRow
	if err := d.sqlx.SelectContext(ctx, &rows, d.sqlx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]*store.OrderRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func joinStrings(ss []string, sep string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}

func (d *DB) ListEventsForOrder(ctx context.Context, orderID string) ([]*store.EventRow, error) {
	var rows []dbEventRow
	err := d.sqlx.SelectContext(ctx, &rows,
		`SELECT * FROM events WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list events for order %s: %w", orderID, err)
	}
	out := make([]*store.EventRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (d *DB) ListEventsForItem(ctx context.Context, itemID string) ([]*store.EventRow, error) {
	var rows []dbEventRow
	err := d.sqlx.SelectContext(ctx, &rows,
		`SELECT * FROM events WHERE item_id = $1 ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list events for item %s: %w", itemID, err)
	}
	out := make([]*store.EventRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (d *DB) ListPartsForItem(ctx context.Context, itemID string) ([]*store.PartRow, error) {
	var rows []dbPartRow
	err := d.sqlx.SelectContext(ctx, &rows,
		`SELECT * FROM parts WHERE item_id = $1 ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list parts for item %s: %w", itemID, err)
	}
	out := make([]*store.PartRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

func (d *DB) GetOrder(ctx context.Context, id string) (*store.OrderRow, error) {
	var r dbOrderRow
	err := d.sqlx.GetContext(ctx, &r, `SELECT * FROM orders WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound(err, fmt.Sprintf("get order %s", id))
	}
	return r.toModel(), nil
}

func (d *DB) GetItem(ctx context.Context, id string) (*store.ItemRow, error) {
	var r dbItemRow
	err := d.sqlx.GetContext(ctx, &r, `SELECT * FROM items WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound(err, fmt.Sprintf("get item %s", id))
	}
	return r.toModel(), nil
}

func (d *DB) ListItemsByOrder(ctx context.Context, orderID string) ([]*store.ItemRow, error) {
	var rows []dbItemRow
	err := d.sqlx.SelectContext(ctx, &rows,
		`SELECT * FROM items WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list items for order %s: %w", orderID, err)
	}
	out := make([]*store.ItemRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// ListDispatchCandidates backs acquireNext's global lease dispatch (spec
// §4.4): queued/leased-eligible, unleased items of the requested type,
// ordered by parent-order priority desc then item createdAt asc so older
// work at the same priority wins ties.
func (d *DB) ListDispatchCandidates(ctx context.Context, f store.DispatchFilter) ([]*store.ItemRow, error) {
	query := `
		SELECT i.* FROM items i
		JOIN orders o ON o.id = i.order_id
		WHERE i.state = $1 AND i.leased_by_agent_id IS NULL AND i.type = $2`
	args := []interface{}{string(model.ItemQueued), f.Type}

	if f.MinPriority != nil {
		query += fmt.Sprintf(" AND o.priority >= $%d", len(args)+1)
		args = append(args, *f.MinPriority)
	}
	if len(f.TenantPath) > 0 && f.TenantValue != "" {
		path := "{" + joinStrings(f.TenantPath, ",") + "}"
		query += fmt.Sprintf(" AND o.meta #>> $%d = $%d", len(args)+1, len(args)+2)
		args = append(args, path, f.TenantValue)
	}
	query += " ORDER BY o.priority DESC, i.created_at ASC"

	var rows []dbItemRow
	if err := d.sqlx.SelectContext(ctx, &rows, d.sqlx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list dispatch candidates: %w", err)
	}
	out := make([]*store.ItemRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// CountActiveLeasesByAgent counts only non-expired leases (spec §4.4): a
// lease stays state='leased' until the maintenance tick reclaims it, so an
// expired-but-unreclaimed lease must not count against the agent's cap.
func (d *DB) CountActiveLeasesByAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := d.sqlx.GetContext(ctx, &n,
		`SELECT count(*) FROM items WHERE leased_by_agent_id = $1 AND state = $2 AND lease_expires_at > now()`, agentID, string(model.ItemLeased))
	if err != nil {
		return 0, fmt.Errorf("count active leases for agent %s: %w", agentID, err)
	}
	return n, nil
}

// CountActiveLeasesByType counts only non-expired leases (spec §4.4); see
// CountActiveLeasesByAgent.
func (d *DB) CountActiveLeasesByType(ctx context.Context, itemType string) (int, error) {
	var n int
	err := d.sqlx.GetContext(ctx, &n,
		`SELECT count(*) FROM items WHERE type = $1 AND state = $2 AND leased_by_agent_id IS NOT NULL AND lease_expires_at > now()`, itemType, string(model.ItemLeased))
	if err != nil {
		return 0, fmt.Errorf("count active leases for type %s: %w", itemType, err)
	}
	return n, nil
}

func mapNotFound(err error, ctxMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", ctxMsg, err)
}
