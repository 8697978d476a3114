// Package executor implements the submit/submitPart/finalize/approve/
// apply/reject/fail pipeline of spec §4.6: two-phase validation (whole-item
// submit, or partial submitPart+finalize), auto-approval gating, and the
// order-completion cascade.
//
// Grounded on the teacher's internal/orchestrator/engine.go HandleSubmission
// path (validate -> persist -> transition -> cascade), generalized from its
// hardcoded pending_review/complete cycle to the registry-driven handler
// contract of spec §4.3.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/orderforge/workorder/internal/ids"
	"github.com/orderforge/workorder/internal/lease"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/registry"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store"
)

// FinalizeMode selects finalize's missing-part strictness (spec §4.6).
type FinalizeMode string

const (
	FinalizeStrict     FinalizeMode = "strict"
	FinalizeBestEffort FinalizeMode = "best_effort"
)

// MissingRequiredPartsError is returned by strict-mode finalize when the
// required-parts set has unvalidated gaps.
type MissingRequiredPartsError struct {
	Missing []string
}

func (e *MissingRequiredPartsError) Error() string {
	return fmt.Sprintf("missing required parts: %v", e.Missing)
}

// NotReadyForApprovalError is returned by Approve when the handler's
// readiness predicate is not satisfied.
type NotReadyForApprovalError struct {
	OrderID string
}

func (e *NotReadyForApprovalError) Error() string {
	return fmt.Sprintf("order %s is not ready for approval", e.OrderID)
}

// ApplyFailedError wraps a handler.Apply failure, recorded on the order
// (spec §7 ApplyFailed).
type ApplyFailedError struct {
	OrderID string
	Cause   error
}

func (e *ApplyFailedError) Error() string {
	return fmt.Sprintf("apply failed for order %s: %v", e.OrderID, e.Cause)
}

func (e *ApplyFailedError) Unwrap() error { return e.Cause }

// Executor implements spec §4.6.
type Executor struct {
	store    store.Store
	registry *registry.Registry
	machine  *statemachine.Machine
	lease    *lease.Engine
	log      *logrus.Entry
}

// New constructs an Executor. A nil log attaches to the standard logger.
func New(st store.Store, reg *registry.Registry, machine *statemachine.Machine, leaseEngine *lease.Engine, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{store: st, registry: reg, machine: machine, lease: leaseEngine, log: log}
}

// Submit implements spec §4.6's whole-item submit.
func (e *Executor) Submit(ctx context.Context, itemID string, result json.RawMessage, agentID string, evidence, notes json.RawMessage) (*store.ItemRow, error) {
	var resultItem *store.ItemRow
	var order *store.OrderRow
	var invalid error
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.LeasedByAgentID == nil || *item.LeasedByAgentID != agentID {
			return lease.ErrConflict
		}

		handler, herr := e.registry.Lookup(item.Type)
		if herr != nil {
			return herr
		}
		policy := handler.AcceptancePolicy()
		if verr := policy.ValidateSubmission(item, result); verr != nil {
			invalid = verr
			return e.recordItemValidationFailure(ctx, tx, item, "submission_invalid", verr)
		}
		if verr := handler.AfterValidateSubmission(item, result); verr != nil {
			invalid = verr
			return e.recordItemValidationFailure(ctx, tx, item, "submission_invalid", verr)
		}

		item.Result = result
		payload, merr := marshalSubmitPayload(result, evidence, notes)
		if merr != nil {
			return merr
		}
		if terr := e.machine.TransitionItem(ctx, tx, item, model.ItemSubmitted, model.Actor{Kind: model.ActorAgent, ID: agentID},
			statemachine.TransitionOpts{Payload: payload}); terr != nil {
			return terr
		}

		o, oerr := tx.LockOrder(ctx, item.OrderID)
		if oerr != nil {
			return oerr
		}
		order = o
		resultItem = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	if invalid != nil {
		return nil, invalid
	}

	if _, aerr := e.checkAutoApprovalByID(ctx, order.ID); aerr != nil {
		e.log.WithError(aerr).WithField("order_id", order.ID).Warn("checkAutoApproval failed after submit; order remains submitted")
	}
	return resultItem, nil
}

// recordItemValidationFailure persists cause as the item's error diagnostic
// and returns nil on success, so the diagnostic commits; Submit returns
// cause once the transaction is done.
func (e *Executor) recordItemValidationFailure(ctx context.Context, tx store.Tx, item *store.ItemRow, code string, cause error) error {
	diag := model.ErrorDiagnostic{Code: code, Message: cause.Error(), RecordedAt: nowFunc()}
	b, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("marshal submission error diagnostic: %w", err)
	}
	item.Error = b
	if uerr := tx.UpdateItem(ctx, item); uerr != nil {
		return fmt.Errorf("persist submission error on item %s: %w", item.ID, uerr)
	}
	return nil
}

func marshalSubmitPayload(result, evidence, notes json.RawMessage) (json.RawMessage, error) {
	b, err := json.Marshal(struct {
		Result   json.RawMessage `json:"result"`
		Evidence json.RawMessage `json:"evidence,omitempty"`
		Notes    json.RawMessage `json:"notes,omitempty"`
	}{Result: result, Evidence: evidence, Notes: notes})
	if err != nil {
		return nil, fmt.Errorf("marshal submit event payload: %w", err)
	}
	return b, nil
}

// SubmitPart implements spec §4.6's partial submission path. No state
// machine transition occurs on the item.
func (e *Executor) SubmitPart(ctx context.Context, itemID, partKey string, seq *int, payload []byte, agentID string, evidence, notes json.RawMessage) (*store.PartRow, error) {
	var result *store.PartRow
	var rejected error
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		agent := agentID
		if item.LeasedByAgentID == nil || *item.LeasedByAgentID != agent {
			return lease.ErrConflict
		}

		handler, herr := e.registry.Lookup(item.Type)
		if herr != nil {
			return herr
		}

		rawPayload := json.RawMessage(payload)
		if rerr := handler.PartialRules(item, partKey, seq, rawPayload); rerr != nil {
			rejected = rerr
			return e.rejectPart(ctx, tx, item, partKey, seq, rawPayload, evidence, notes, agent, rerr)
		}
		if rerr := handler.AfterValidatePart(item, partKey, rawPayload, seq); rerr != nil {
			rejected = rerr
			return e.rejectPart(ctx, tx, item, partKey, seq, rawPayload, evidence, notes, agent, rerr)
		}

		part := &store.PartRow{
			ID: ids.New(), ItemID: itemID, PartKey: partKey, Seq: seq,
			Status: model.PartValidated, Payload: rawPayload, Evidence: evidence,
			Checksum: ids.Checksum(payload), SubmittedByKind: model.ActorAgent, SubmittedByID: agent,
		}
		if notes != nil {
			s := string(notes)
			part.Notes = &s
		}
		if uerr := tx.UpsertPart(ctx, part); uerr != nil {
			return fmt.Errorf("upsert part %s/%s: %w", itemID, partKey, uerr)
		}

		if serr := e.refreshPartsState(ctx, tx, item); serr != nil {
			return serr
		}

		evPayload, merr := json.Marshal(map[string]interface{}{"partKey": partKey, "seq": seq, "checksum": part.Checksum})
		if merr != nil {
			return fmt.Errorf("marshal part_submitted event payload: %w", merr)
		}
		if eerr := e.machine.RecordDiagnosticEvent(ctx, tx, item.OrderID, model.EventPartSubmitted, evPayload); eerr != nil {
			return eerr
		}
		if eerr := e.machine.RecordDiagnosticEvent(ctx, tx, item.OrderID, model.EventPartValidated, evPayload); eerr != nil {
			return eerr
		}

		result = part
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return result, nil
}

// rejectPart persists the part as rejected with cause as its error and
// returns nil on success, so the row commits; SubmitPart returns cause once
// the transaction is done.
func (e *Executor) rejectPart(ctx context.Context, tx store.Tx, item *store.ItemRow, partKey string, seq *int, payload, evidence, notes json.RawMessage, agent string, cause error) error {
	diag := model.ErrorDiagnostic{Code: "part_invalid", Message: cause.Error(), RecordedAt: nowFunc()}
	errBytes, merr := json.Marshal(diag)
	if merr != nil {
		return fmt.Errorf("marshal part error diagnostic: %w", merr)
	}
	part := &store.PartRow{
		ID: ids.New(), ItemID: item.ID, PartKey: partKey, Seq: seq,
		Status: model.PartRejected, Payload: payload, Evidence: evidence,
		Errors: errBytes, Checksum: ids.Checksum(payload), SubmittedByKind: model.ActorAgent, SubmittedByID: agent,
	}
	if notes != nil {
		s := string(notes)
		part.Notes = &s
	}
	if uerr := tx.UpsertPart(ctx, part); uerr != nil {
		return fmt.Errorf("upsert rejected part %s/%s: %w", item.ID, partKey, uerr)
	}
	if serr := e.refreshPartsState(ctx, tx, item); serr != nil {
		return serr
	}
	evPayload, perr := json.Marshal(map[string]interface{}{"partKey": partKey, "seq": seq, "error": diag})
	if perr != nil {
		return fmt.Errorf("marshal part_rejected event payload: %w", perr)
	}
	if eerr := e.machine.RecordDiagnosticEvent(ctx, tx, item.OrderID, model.EventPartRejected, evPayload); eerr != nil {
		return eerr
	}
	return nil
}

// refreshPartsState recomputes item.PartsState — the materialised
// partKey -> PartStateView map spec §4.1 calls for — from the full part
// history, and persists it.
func (e *Executor) refreshPartsState(ctx context.Context, tx store.Tx, item *store.ItemRow) error {
	parts, err := tx.ListPartsForItem(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("list parts for item %s: %w", item.ID, err)
	}
	latest := latestPerKey(parts)
	view := make(map[string]store.PartStateView, len(latest))
	for k, p := range latest {
		view[k] = store.PartStateView{Status: p.Status, Seq: p.Seq, Checksum: p.Checksum, SubmittedAt: p.UpdatedAt}
	}
	b, merr := json.Marshal(view)
	if merr != nil {
		return fmt.Errorf("marshal parts state for item %s: %w", item.ID, merr)
	}
	item.PartsState = b
	if uerr := tx.UpdateItem(ctx, item); uerr != nil {
		return fmt.Errorf("persist parts state for item %s: %w", item.ID, uerr)
	}
	return nil
}

// latestPerKey picks, for each partKey, the most-recently-submitted part
// row (by CreatedAt, with Seq as a tiebreaker — a null seq collapses to one
// version slot per the part-uniqueness design in DESIGN.md).
func latestPerKey(parts []*store.PartRow) map[string]*store.PartRow {
	out := map[string]*store.PartRow{}
	for _, p := range parts {
		cur, ok := out[p.PartKey]
		if !ok || p.CreatedAt.After(cur.CreatedAt) ||
			(p.CreatedAt.Equal(cur.CreatedAt) && seqGreater(p.Seq, cur.Seq)) {
			out[p.PartKey] = p
		}
	}
	return out
}

// latestValidatedPerKey picks, per partKey, the validated part with the
// greatest seq (nil seq sorts as the sole version for that key), per spec
// §4.6/§8 property 8.
func latestValidatedPerKey(parts []*store.PartRow) map[string]*store.PartRow {
	type candidate struct {
		part *store.PartRow
	}
	best := map[string]candidate{}
	for _, p := range parts {
		if p.Status != model.PartValidated {
			continue
		}
		cur, ok := best[p.PartKey]
		if !ok || seqGreater(p.Seq, cur.part.Seq) {
			best[p.PartKey] = candidate{part: p}
		}
	}
	out := make(map[string]*store.PartRow, len(best))
	for k, c := range best {
		out[k] = c.part
	}
	return out
}

func seqGreater(a, b *int) bool {
	av, bv := -1, -1
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av > bv
}

// Finalize implements spec §4.6's finalize operation.
func (e *Executor) Finalize(ctx context.Context, itemID string, mode FinalizeMode) (*store.ItemRow, error) {
	var resultItem *store.ItemRow
	var order *store.OrderRow
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		handler, herr := e.registry.Lookup(item.Type)
		if herr != nil {
			return herr
		}

		parts, perr := tx.ListPartsForItem(ctx, itemID)
		if perr != nil {
			return fmt.Errorf("list parts for item %s: %w", itemID, perr)
		}
		validated := latestValidatedPerKey(parts)

		if mode == FinalizeStrict {
			required := handler.RequiredParts(item)
			var missing []string
			for _, key := range required {
				if _, ok := validated[key]; !ok {
					missing = append(missing, key)
				}
			}
			if len(missing) > 0 {
				sort.Strings(missing)
				return &MissingRequiredPartsError{Missing: missing}
			}
		}

		latest := make(map[string]json.RawMessage, len(validated))
		for k, p := range validated {
			latest[k] = p.Payload
		}
		assembled, aerr := handler.Assemble(item, latest)
		if aerr != nil {
			return fmt.Errorf("assemble item %s: %w", itemID, aerr)
		}
		if verr := handler.ValidateAssembled(item, assembled); verr != nil {
			return verr
		}

		item.AssembledResult = assembled
		item.Result = assembled

		payload, merr := json.Marshal(map[string]interface{}{"partsCount": len(validated), "assembled": true})
		if merr != nil {
			return fmt.Errorf("marshal finalized event payload: %w", merr)
		}
		if terr := e.machine.TransitionItem(ctx, tx, item, model.ItemSubmitted, model.SystemActor,
			statemachine.TransitionOpts{Payload: payload, EventKindOverride: model.EventFinalized}); terr != nil {
			return terr
		}

		o, oerr := tx.LockOrder(ctx, item.OrderID)
		if oerr != nil {
			return oerr
		}
		order = o
		resultItem = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, aerr := e.checkAutoApprovalByID(ctx, order.ID); aerr != nil {
		e.log.WithError(aerr).WithField("order_id", order.ID).Warn("checkAutoApproval failed after finalize; order remains submitted")
	}
	return resultItem, nil
}

// Approve implements spec §4.6's approve operation, applying inline on
// success.
func (e *Executor) Approve(ctx context.Context, orderID string, actor model.Actor) (*store.OrderRow, model.Diff, error) {
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		order, oerr := tx.LockOrder(ctx, orderID)
		if oerr != nil {
			return oerr
		}
		handler, herr := e.registry.Lookup(order.Type)
		if herr != nil {
			return herr
		}
		items, ierr := tx.ListItemsByOrderForUpdate(ctx, orderID)
		if ierr != nil {
			return fmt.Errorf("list items for order %s: %w", orderID, ierr)
		}
		if !handler.AcceptancePolicy().ReadyForApproval(order, items) {
			return &NotReadyForApprovalError{OrderID: orderID}
		}
		return e.machine.TransitionOrder(ctx, tx, order, model.OrderApproved, actor, statemachine.TransitionOpts{})
	})
	if err != nil {
		return nil, model.Diff{}, err
	}
	order, diff, err := e.Apply(ctx, orderID)
	return order, diff, err
}

// Apply implements spec §4.6's apply operation (idempotent: calling it
// again on an order already applied/completed leaves completed items
// untouched, per §8 property 10).
func (e *Executor) Apply(ctx context.Context, orderID string) (*store.OrderRow, model.Diff, error) {
	var order *store.OrderRow
	var diff model.Diff
	var applyErr error
	txErr := e.store.WithTx(ctx, func(tx store.Tx) error {
		o, oerr := tx.LockOrder(ctx, orderID)
		if oerr != nil {
			return oerr
		}
		if o.State != model.OrderApproved {
			order = o
			return nil // already applied/completed: idempotent no-op
		}

		handler, herr := e.registry.Lookup(o.Type)
		if herr != nil {
			return herr
		}
		if berr := handler.BeforeApply(o); berr != nil {
			return berr
		}

		d, aerr := handler.Apply(ctx, o)
		if aerr != nil {
			applyErr = &ApplyFailedError{OrderID: o.ID, Cause: aerr}
			return e.recordApplyFailure(ctx, tx, o, aerr)
		}
		diff = d

		if terr := e.machine.TransitionOrder(ctx, tx, o, model.OrderApplied, model.SystemActor, statemachine.TransitionOpts{Diff: &d}); terr != nil {
			return terr
		}

		items, ierr := tx.ListItemsByOrderForUpdate(ctx, orderID)
		if ierr != nil {
			return fmt.Errorf("list items for order %s: %w", orderID, ierr)
		}
		allCompleted := true
		for _, item := range items {
			if item.State == model.ItemSubmitted {
				if terr := e.machine.TransitionItem(ctx, tx, item, model.ItemAccepted, model.SystemActor, statemachine.TransitionOpts{}); terr != nil {
					return terr
				}
				if terr := e.machine.TransitionItem(ctx, tx, item, model.ItemCompleted, model.SystemActor, statemachine.TransitionOpts{}); terr != nil {
					return terr
				}
			}
			if item.State != model.ItemCompleted && !model.IsItemTerminal(item.State) {
				allCompleted = false
			}
		}

		if aerr := handler.AfterApply(o, d); aerr != nil {
			return fmt.Errorf("after apply hook for order %s: %w", orderID, aerr)
		}

		if allCompleted {
			if terr := e.machine.TransitionOrder(ctx, tx, o, model.OrderCompleted, model.SystemActor, statemachine.TransitionOpts{}); terr != nil {
				return terr
			}
		}
		order = o
		return nil
	})
	if txErr != nil {
		return nil, model.Diff{}, txErr
	}
	if applyErr != nil {
		return nil, model.Diff{}, applyErr
	}
	return order, diff, nil
}

// recordApplyFailure moves order to failed with an apply_failed diagnostic
// and returns nil on success, so the transition commits; Apply returns the
// ApplyFailedError once the transaction is done.
func (e *Executor) recordApplyFailure(ctx context.Context, tx store.Tx, order *store.OrderRow, cause error) error {
	diag := model.ErrorDiagnostic{Code: "apply_failed", Message: cause.Error(), RecordedAt: nowFunc()}
	payload, merr := json.Marshal(diag)
	if merr != nil {
		return fmt.Errorf("marshal apply failure diagnostic: %w", merr)
	}
	if terr := e.machine.TransitionOrder(ctx, tx, order, model.OrderFailed, model.SystemActor, statemachine.TransitionOpts{Payload: payload}); terr != nil {
		return terr
	}
	return nil
}

// Reject implements spec §4.6's reject operation.
func (e *Executor) Reject(ctx context.Context, orderID string, validationErrors []model.ValidationIssue, actor model.Actor, allowRework bool) (*store.OrderRow, error) {
	var order *store.OrderRow
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		o, oerr := tx.LockOrder(ctx, orderID)
		if oerr != nil {
			return oerr
		}
		payload, merr := json.Marshal(map[string]interface{}{"errors": validationErrors})
		if merr != nil {
			return fmt.Errorf("marshal rejected event payload: %w", merr)
		}
		to := model.OrderRejected
		if allowRework {
			to = model.OrderQueued
		}
		if terr := e.machine.TransitionOrder(ctx, tx, o, to, actor, statemachine.TransitionOpts{Payload: payload}); terr != nil {
			return terr
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Fail implements spec §4.6's fail operation.
func (e *Executor) Fail(ctx context.Context, itemID string, diagnostic model.ErrorDiagnostic) (*store.ItemRow, error) {
	var result *store.ItemRow
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		item, ierr := tx.LockItem(ctx, itemID)
		if ierr != nil {
			return ierr
		}
		b, merr := json.Marshal(diagnostic)
		if merr != nil {
			return fmt.Errorf("marshal fail diagnostic for item %s: %w", itemID, merr)
		}
		item.Error = b
		if terr := e.machine.TransitionItem(ctx, tx, item, model.ItemFailed, model.SystemActor, statemachine.TransitionOpts{Payload: b}); terr != nil {
			return terr
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkAutoApprovalByID implements spec §4.6's checkAutoApproval, run after
// Submit/SubmitPart+Finalize. Any failure is logged and swallowed — the
// resolved Open Question in DESIGN.md makes this explicit: the order
// remains in `submitted` for manual approval rather than moving to
// `failed`.
func (e *Executor) checkAutoApprovalByID(ctx context.Context, orderID string) (bool, error) {
	var shouldApprove bool
	txErr := e.store.WithTx(ctx, func(tx store.Tx) error {
		order, oerr := tx.LockOrder(ctx, orderID)
		if oerr != nil {
			return oerr
		}
		handler, herr := e.registry.Lookup(order.Type)
		if herr != nil {
			return herr
		}
		items, ierr := tx.ListItemsByOrderForUpdate(ctx, orderID)
		if ierr != nil {
			return fmt.Errorf("list items for order %s: %w", orderID, ierr)
		}

		allSubmittedLike := true
		for _, it := range items {
			if !model.IsItemSubmittedLike(it.State) {
				allSubmittedLike = false
				break
			}
		}
		if allSubmittedLike && order.State == model.OrderInProgress {
			if terr := e.machine.TransitionOrder(ctx, tx, order, model.OrderSubmitted, model.SystemActor, statemachine.TransitionOpts{}); terr != nil {
				return terr
			}
		}

		shouldApprove = handler.ShouldAutoApprove() && handler.AcceptancePolicy().ReadyForApproval(order, items)
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	if !shouldApprove {
		return false, nil
	}

	if _, _, aerr := e.Approve(ctx, orderID, model.SystemActor); aerr != nil {
		return false, aerr
	}
	return true, nil
}

// DiffFromValues is a convenience for handlers building a Diff via
// google/go-cmp's structured comparison rather than hand string-diffing,
// per the domain-stack wiring of SPEC_FULL.md §4-domain.
func DiffFromValues(before, after interface{}) (model.Diff, error) {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return model.Diff{}, fmt.Errorf("marshal diff before value: %w", err)
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return model.Diff{}, fmt.Errorf("marshal diff after value: %w", err)
	}
	summary := cmp.Diff(before, after)
	if summary == "" {
		summary = "no changes"
	}
	return model.Diff{Before: beforeJSON, After: afterJSON, Summary: summary}, nil
}
