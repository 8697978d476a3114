// Package engine is the facade that wires allocator, executor, lease,
// idempotency, maintenance and provenance into the operation surface of
// spec §6, and classifies every component-level error into the unified
// error-kind taxonomy of spec §7.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orderforge/workorder/internal/executor"
	"github.com/orderforge/workorder/internal/filter"
	"github.com/orderforge/workorder/internal/lease"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/registry"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store"
)

// Kind is one of the error categories enumerated in spec §7.
type Kind string

const (
	SchemaViolation        Kind = "SchemaViolation"
	IllegalStateTransition Kind = "IllegalStateTransition"
	LeaseConflict          Kind = "LeaseConflict"
	LeaseExpired           Kind = "LeaseExpired"
	SubmissionInvalid      Kind = "SubmissionInvalid"
	PartInvalid            Kind = "PartInvalid"
	MissingRequiredParts   Kind = "MissingRequiredParts"
	NotReadyForApproval    Kind = "NotReadyForApproval"
	ApplyFailed            Kind = "ApplyFailed"
	IdempotencyConflict    Kind = "IdempotencyConflict"
	NotFound               Kind = "NotFound"
	FilterInvalid          Kind = "FilterInvalid"
	UnknownType            Kind = "UnknownType"
)

// Error is the classified error every facade method returns in place of the
// raw component error, carrying enough structure for a transport layer to
// render spec §7's error responses without re-deriving the kind itself.
type Error struct {
	Kind    Kind
	Message string
	Issues  []model.ValidationIssue
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is an *Error of kind k, the intended
// errors.Is(err, engine.KindSentinel(k)) idiom for callers that only care
// about the category.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// KindSentinel returns a comparable placeholder *Error of kind k, for use
// with errors.Is(err, engine.KindSentinel(engine.NotFound)).
func KindSentinel(k Kind) error { return &Error{Kind: k} }

func newErr(k Kind, msg string) *Error { return &Error{Kind: k, Message: msg} }

// classify maps a raw component error into the spec §7 taxonomy. Unknown
// errors pass through unchanged so callers never lose the underlying cause.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if ferr, ok := err.(*Error); ok {
		return ferr
	}

	var valErr *model.ValidationError
	if errors.As(err, &valErr) {
		return &Error{Kind: kindForValidationCode(valErr.Code), Message: valErr.Error(), Issues: valErr.Issues, Cause: err}
	}

	var illegal *statemachine.IllegalStateTransitionError
	if errors.As(err, &illegal) {
		return &Error{Kind: IllegalStateTransition, Message: illegal.Error(), Cause: err}
	}

	var missing *executor.MissingRequiredPartsError
	if errors.As(err, &missing) {
		return &Error{Kind: MissingRequiredParts, Message: missing.Error(), Cause: err}
	}
	var notReady *executor.NotReadyForApprovalError
	if errors.As(err, &notReady) {
		return &Error{Kind: NotReadyForApproval, Message: notReady.Error(), Cause: err}
	}
	var applyFailed *executor.ApplyFailedError
	if errors.As(err, &applyFailed) {
		return &Error{Kind: ApplyFailed, Message: applyFailed.Error(), Cause: err}
	}

	var unknownType *registry.UnknownTypeError
	if errors.As(err, &unknownType) {
		return &Error{Kind: UnknownType, Message: unknownType.Error(), Cause: err}
	}

	var invalidFilter *filter.InvalidFilterError
	if errors.As(err, &invalidFilter) {
		return &Error{Kind: FilterInvalid, Message: invalidFilter.Error(), Cause: err}
	}

	if errors.Is(err, store.ErrNotFound) {
		return &Error{Kind: NotFound, Message: "not found", Cause: err}
	}
	if errors.Is(err, store.ErrConflict) {
		return &Error{Kind: IdempotencyConflict, Message: "concurrent idempotency winner", Cause: err}
	}
	if errors.Is(err, lease.ErrConflict) {
		return &Error{Kind: LeaseConflict, Message: "item is leased by another agent", Cause: err}
	}
	if errors.Is(err, lease.ErrExpired) {
		return &Error{Kind: LeaseExpired, Message: "lease has expired", Cause: err}
	}
	if errors.Is(err, lease.ErrNoWork) {
		return &Error{Kind: NotFound, Message: "no dispatchable work", Cause: err}
	}

	return err
}

// kindForValidationCode maps model.ValidationError.Code (set by whichever
// layer constructed it) onto the matching §7 kind.
func kindForValidationCode(code string) Kind {
	switch code {
	case "submission_invalid":
		return SubmissionInvalid
	case "part_invalid":
		return PartInvalid
	default:
		return SchemaViolation
	}
}

// marshalIssues is a small helper for facade methods that need to surface
// model.ValidationIssue slices inside a *Error built directly (not via
// classify), e.g. for filter/sort validation failures that never touch a
// model.ValidationError.
func marshalIssues(issues []model.ValidationIssue) json.RawMessage {
	b, _ := json.Marshal(issues)
	return b
}
