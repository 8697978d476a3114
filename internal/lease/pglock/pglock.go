// Package pglock is the database-row-lock lease backend of spec §4.4: it
// uses "select ... for update" on the items table itself and writes
// leasedByAgentId/leaseExpiresAt/lastHeartbeatAt directly, with no
// auxiliary lock table. Reclaim is a no-op here — the items table is
// scanned for expired leases by internal/lease.Engine.Reclaim via
// store.Tx.ListExpiredLeaseItems, not by this backend.
package pglock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/orderforge/workorder/internal/lease"
)

// Backend implements lease.Backend directly against the items table of the
// Postgres store, grounded on jordigilh-kubernaut's sqlx-based connection
// handling (internal/store/postgres/db.go shares the same driver setup).
type Backend struct {
	db *sqlx.DB
}

// New constructs a Backend sharing db with the rest of the Postgres store.
func New(db *sqlx.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) Acquire(ctx context.Context, itemID, agentID string, ttl time.Duration) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lease acquire tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var leasedBy sql.NullString
	var expiresAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT leased_by_agent_id, lease_expires_at FROM items WHERE id = $1 FOR UPDATE`, itemID).
		Scan(&leasedBy, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pglock acquire: item %s not found", itemID)
	}
	if err != nil {
		return fmt.Errorf("pglock acquire: lock item %s: %w", itemID, err)
	}

	now := time.Now()
	if leasedBy.Valid && leasedBy.String != "" && leasedBy.String != agentID &&
		expiresAt.Valid && expiresAt.Time.After(now) {
		return lease.ErrConflict
	}

	exp := now.Add(ttl)
	_, err = tx.ExecContext(ctx,
		`UPDATE items SET leased_by_agent_id = $1, lease_expires_at = $2, last_heartbeat_at = $3 WHERE id = $4`,
		agentID, exp, now, itemID)
	if err != nil {
		return fmt.Errorf("pglock acquire: write lease columns for %s: %w", itemID, err)
	}
	return tx.Commit()
}

func (b *Backend) Extend(ctx context.Context, itemID, agentID string, ttl time.Duration) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lease extend tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var leasedBy sql.NullString
	var expiresAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT leased_by_agent_id, lease_expires_at FROM items WHERE id = $1 FOR UPDATE`, itemID).
		Scan(&leasedBy, &expiresAt)
	if err != nil {
		return fmt.Errorf("pglock extend: lock item %s: %w", itemID, err)
	}
	if !leasedBy.Valid || leasedBy.String != agentID {
		return lease.ErrConflict
	}
	now := time.Now()
	if expiresAt.Valid && !expiresAt.Time.After(now) {
		return lease.ErrExpired
	}

	exp := now.Add(ttl)
	_, err = tx.ExecContext(ctx,
		`UPDATE items SET lease_expires_at = $1, last_heartbeat_at = $2 WHERE id = $3`, exp, now, itemID)
	if err != nil {
		return fmt.Errorf("pglock extend: write lease columns for %s: %w", itemID, err)
	}
	return tx.Commit()
}

func (b *Backend) Release(ctx context.Context, itemID, agentID string) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lease release tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var leasedBy sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT leased_by_agent_id FROM items WHERE id = $1 FOR UPDATE`, itemID).Scan(&leasedBy)
	if err != nil {
		return fmt.Errorf("pglock release: lock item %s: %w", itemID, err)
	}
	if !leasedBy.Valid || leasedBy.String != agentID {
		return lease.ErrConflict
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE items SET leased_by_agent_id = NULL, lease_expires_at = NULL, last_heartbeat_at = NULL WHERE id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("pglock release: clear lease columns for %s: %w", itemID, err)
	}
	return tx.Commit()
}

// Reclaim is a no-op: the database backend's reclaim sweep is driven by
// internal/lease.Engine.Reclaim directly against store.Tx, since it needs
// the state machine's item-state transition in the same unit of work.
func (b *Backend) Reclaim(ctx context.Context, itemIDs []string) (int, error) {
	return 0, nil
}

func (b *Backend) GetOwner(ctx context.Context, itemID string) (string, bool, error) {
	var leasedBy sql.NullString
	var expiresAt sql.NullTime
	err := b.db.QueryRowContext(ctx,
		`SELECT leased_by_agent_id, lease_expires_at FROM items WHERE id = $1`, itemID).
		Scan(&leasedBy, &expiresAt)
	if err != nil {
		return "", false, fmt.Errorf("pglock get owner for %s: %w", itemID, err)
	}
	if !leasedBy.Valid || !expiresAt.Valid || !expiresAt.Time.After(time.Now()) {
		return "", false, nil
	}
	return leasedBy.String, true, nil
}

func (b *Backend) GetTTL(ctx context.Context, itemID string) (time.Duration, bool, error) {
	var expiresAt sql.NullTime
	err := b.db.QueryRowContext(ctx, `SELECT lease_expires_at FROM items WHERE id = $1`, itemID).Scan(&expiresAt)
	if err != nil {
		return 0, false, fmt.Errorf("pglock get ttl for %s: %w", itemID, err)
	}
	if !expiresAt.Valid {
		return 0, false, nil
	}
	remaining := time.Until(expiresAt.Time)
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

func (b *Backend) GetAllLeases(ctx context.Context) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, leased_by_agent_id FROM items WHERE leased_by_agent_id IS NOT NULL AND lease_expires_at > now()`)
	if err != nil {
		return nil, fmt.Errorf("pglock get all leases: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id, agent string
		if err := rows.Scan(&id, &agent); err != nil {
			return nil, fmt.Errorf("pglock get all leases: scan: %w", err)
		}
		out[id] = agent
	}
	return out, rows.Err()
}

func (b *Backend) ClearAll(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE items SET leased_by_agent_id = NULL, lease_expires_at = NULL, last_heartbeat_at = NULL WHERE leased_by_agent_id IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("pglock clear all: %w", err)
	}
	return nil
}
