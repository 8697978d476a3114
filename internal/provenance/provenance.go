// Package provenance implements the per-action enricher of spec §4.9: on
// each mutating entry, capture an immutable record of who/what made the
// call and persist it alongside the order or item being acted on. The
// enricher never captures request bodies.
//
// Grounded on the teacher's pkg/blackboard/schema.go claim/bid records,
// which already carry an actor identity alongside every mutating write —
// generalized here into a dedicated append-only table per spec §3's
// separate Provenance entity, rather than a field bolted onto the domain
// row itself.
package provenance

import (
	"context"
	"fmt"

	"github.com/orderforge/workorder/internal/ids"
	"github.com/orderforge/workorder/internal/store"
)

// RequestContext is the transport-agnostic bundle of caller attributes
// spec §4.9 names. The engine facade populates this from whatever carries
// the inbound request (HTTP headers, gRPC metadata, CLI flags); this
// package has no transport awareness of its own.
type RequestContext struct {
	AgentID         string
	AgentName       *string
	AgentVersion    *string
	ModelName       *string
	RuntimeTag      *string
	IP              *string
	UserAgent       *string
	AcceptLanguage  string
	AuthUserID      *string
	SessionID       *string
	// RequestID, if empty, is generated fresh (spec §4.9 "a generated or
	// caller-supplied request id").
	RequestID string
}

// Enricher captures and persists one ProvenanceRow per mutating entry.
type Enricher struct {
	store store.Store
}

// New constructs an Enricher.
func New(st store.Store) *Enricher {
	return &Enricher{store: st}
}

// Capture builds the provenance record for rc and persists it via tx,
// associated with orderID and, for item-scoped operations, itemID.
// The engine facade calls it in its own Store.WithTx unit after the
// mutation it documents has committed, so a failed capture does not undo
// that mutation.
func (e *Enricher) Capture(ctx context.Context, tx store.Tx, orderID string, itemID *string, rc RequestContext) (*store.ProvenanceRow, error) {
	requestID := rc.RequestID
	if requestID == "" {
		requestID = ids.New()
	}
	ip := ""
	if rc.IP != nil {
		ip = *rc.IP
	}
	ua := ""
	if rc.UserAgent != nil {
		ua = *rc.UserAgent
	}

	row := &store.ProvenanceRow{
		ID:                 ids.New(),
		OrderID:            orderID,
		ItemID:             itemID,
		AgentID:            rc.AgentID,
		AgentName:          rc.AgentName,
		AgentVersion:       rc.AgentVersion,
		ModelName:          rc.ModelName,
		RuntimeTag:         rc.RuntimeTag,
		RequestID:          requestID,
		RequestFingerprint: ids.Fingerprint(rc.AgentID, ip, ua, rc.AcceptLanguage),
		IP:                 rc.IP,
		UserAgent:          rc.UserAgent,
		AuthUserID:         rc.AuthUserID,
		SessionID:          rc.SessionID,
	}
	if err := tx.InsertProvenance(ctx, row); err != nil {
		return nil, fmt.Errorf("insert provenance for order %s: %w", orderID, err)
	}
	return row, nil
}
