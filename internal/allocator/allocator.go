// Package allocator implements propose/plan (spec §4.5): validating a
// proposal's payload against its type's schema, creating the order, and
// persisting the items a handler's Plan step decomposes it into — all in
// one transaction.
//
// Grounded on the teacher's internal/orchestrator/engine.go CreateTask
// path: validate input, insert the parent row, insert its children, emit
// one audit event per step, all inside a single transaction boundary.
package allocator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orderforge/workorder/internal/ids"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/registry"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store"
)

// SchemaValidator checks a proposal payload against a handler's schema
// descriptor, returning a *model.ValidationError naming every offending
// path on violation. The core never interprets schema documents itself —
// this is the pluggable collaborator spec §1's Non-goals carve out.
type SchemaValidator interface {
	Validate(schema model.SchemaDescriptor, payload json.RawMessage) error
}

// RequiredFieldsValidator is a minimal default SchemaValidator: it checks
// that every top-level key named in the "required" array of the schema's
// Raw document is present
// and non-null in payload. It does not interpret nested shape, types, or
// any other JSON Schema construct — callers needing that should supply
// their own SchemaValidator (e.g. backed by a real JSON Schema engine).
type RequiredFieldsValidator struct{}

// requiredFieldsSchema is the minimal convention RequiredFieldsValidator
// expects inside SchemaDescriptor.Raw.
type requiredFieldsSchema struct {
	Required []string `json:"required"`
}

func (RequiredFieldsValidator) Validate(schema model.SchemaDescriptor, payload json.RawMessage) error {
	var spec requiredFieldsSchema
	if len(schema.Raw) > 0 {
		if err := json.Unmarshal(schema.Raw, &spec); err != nil {
			return fmt.Errorf("schema descriptor for %s is not valid JSON: %w", schema.TypeName, err)
		}
	}
	if len(spec.Required) == 0 {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return model.NewValidationError("schema_violation", "$", "payload must be a JSON object")
	}

	verr := &model.ValidationError{Code: "schema_violation"}
	for _, field := range spec.Required {
		v, ok := obj[field]
		if !ok || string(v) == "null" {
			verr.Issues = append(verr.Issues, model.ValidationIssue{
				Path: field, Message: "required field is missing",
			})
		}
	}
	if len(verr.Issues) > 0 {
		return verr
	}
	return nil
}

// Allocator implements propose/plan.
type Allocator struct {
	store      store.Store
	registry   *registry.Registry
	machine    *statemachine.Machine
	validator  SchemaValidator
	defaultMaxAttempts int
	log        *logrus.Entry
}

// New constructs an Allocator. A nil validator defaults to
// RequiredFieldsValidator{}; a nil log attaches to the standard logger.
func New(st store.Store, reg *registry.Registry, machine *statemachine.Machine, validator SchemaValidator, defaultMaxAttempts int, log *logrus.Entry) *Allocator {
	if validator == nil {
		validator = RequiredFieldsValidator{}
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Allocator{store: st, registry: reg, machine: machine, validator: validator, defaultMaxAttempts: defaultMaxAttempts, log: log}
}

// Propose implements spec §4.5's propose operation.
func (a *Allocator) Propose(ctx context.Context, orderType string, payload json.RawMessage, requestedBy model.Actor, meta json.RawMessage, priority int) (*store.OrderRow, error) {
	handler, err := a.registry.Lookup(orderType)
	if err != nil {
		return nil, err
	}

	schema := handler.Schema()
	if err := a.validator.Validate(schema, payload); err != nil {
		return nil, err
	}

	if meta == nil {
		meta = json.RawMessage("{}")
	}
	schemaSnapshot, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema snapshot for %s: %w", orderType, err)
	}

	order := &store.OrderRow{
		ID: ids.New(), Type: orderType, State: model.OrderQueued, Priority: priority,
		Payload: payload, Meta: meta,
		RequestedByKind: requestedBy.Kind, RequestedByID: requestedBy.ID,
		SchemaSnapshot: schemaSnapshot,
	}

	var items []model.ItemSpec
	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		if ierr := tx.InsertOrder(ctx, order); ierr != nil {
			return fmt.Errorf("insert order: %w", ierr)
		}
		if eerr := a.machine.RecordDiagnosticEvent(ctx, tx, order.ID, model.EventProposed, payload); eerr != nil {
			return eerr
		}

		specs, perr := handler.Plan(order)
		if perr != nil {
			return fmt.Errorf("plan order %s: %w", order.ID, perr)
		}
		items = specs

		for _, spec := range specs {
			maxAttempts := a.defaultMaxAttempts
			if spec.MaxAttempts != nil {
				maxAttempts = *spec.MaxAttempts
			}
			partsRequired := spec.PartsRequired
			if partsRequired == nil {
				partsRequired = []string{}
			}
			item := &store.ItemRow{
				ID: ids.New(), OrderID: order.ID, Type: spec.Type, State: model.ItemQueued,
				Input: spec.Input, Attempts: 0, MaxAttempts: maxAttempts,
				PartsRequired: partsRequired, PartsState: json.RawMessage("{}"),
			}
			if cerr := tx.InsertItem(ctx, item); cerr != nil {
				return fmt.Errorf("insert item for order %s: %w", order.ID, cerr)
			}
		}

		countPayload, merr := json.Marshal(map[string]int{"itemCount": len(specs)})
		if merr != nil {
			return fmt.Errorf("marshal planned event payload: %w", merr)
		}
		if eerr := a.machine.RecordDiagnosticEvent(ctx, tx, order.ID, model.EventPlanned, countPayload); eerr != nil {
			return eerr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{"order_id": order.ID, "type": orderType, "item_count": len(items)}).Info("order proposed")
	return order, nil
}

// Plan re-runs handler.Plan(order) and persists the resulting items as
// fresh queued items (spec §4.5's separately-exposed plan, used by
// rejection-with-rework callers). Not idempotent across repeated
// invocations on the same order: each call appends a new set of items and
// leaves the existing ones in place (resolved Open Question, see DESIGN.md).
func (a *Allocator) Plan(ctx context.Context, orderID string) ([]*store.ItemRow, error) {
	var created []*store.ItemRow
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		order, oerr := tx.LockOrder(ctx, orderID)
		if oerr != nil {
			return oerr
		}
		handler, herr := a.registry.Lookup(order.Type)
		if herr != nil {
			return herr
		}
		specs, perr := handler.Plan(order)
		if perr != nil {
			return fmt.Errorf("plan order %s: %w", order.ID, perr)
		}
		for _, spec := range specs {
			maxAttempts := a.defaultMaxAttempts
			if spec.MaxAttempts != nil {
				maxAttempts = *spec.MaxAttempts
			}
			partsRequired := spec.PartsRequired
			if partsRequired == nil {
				partsRequired = []string{}
			}
			item := &store.ItemRow{
				ID: ids.New(), OrderID: order.ID, Type: spec.Type, State: model.ItemQueued,
				Input: spec.Input, Attempts: 0, MaxAttempts: maxAttempts,
				PartsRequired: partsRequired, PartsState: json.RawMessage("{}"),
			}
			if cerr := tx.InsertItem(ctx, item); cerr != nil {
				return fmt.Errorf("insert item for order %s: %w", order.ID, cerr)
			}
			created = append(created, item)
		}
		countPayload, merr := json.Marshal(map[string]int{"itemCount": len(specs)})
		if merr != nil {
			return fmt.Errorf("marshal planned event payload: %w", merr)
		}
		return a.machine.RecordDiagnosticEvent(ctx, tx, order.ID, model.EventPlanned, countPayload)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
