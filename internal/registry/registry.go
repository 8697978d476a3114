// Package registry is the in-memory order-type lookup and handler contract
// of spec §4.3. Handlers are user-plugged policies registered by string key
// at startup; the registry is read-only thereafter (spec §5 "the registry
// is read-only after startup").
//
// Grounded on the teacher's handler registration pattern in
// internal/cub/contract.go, which maps a role string to an executable
// contract the orchestrator invokes without knowing its concrete type —
// the same "polymorphism via registry, not inheritance" shape spec §9 calls
// for.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/store"
)

// AcceptancePolicy bundles whole-item submission validation with the
// order-level readiness predicate (spec §4.3).
type AcceptancePolicy interface {
	ValidateSubmission(item *store.ItemRow, result json.RawMessage) error
	ReadyForApproval(order *store.OrderRow, items []*store.ItemRow) bool
}

// Handler is the full capability set an order type must implement (spec
// §4.3). All methods are pure-ish: handlers receive a fully-loaded order
// and must not reach into the core's persistence APIs for anything beyond
// their own domain.
type Handler interface {
	// Schema returns the descriptor the allocator validates a proposal's
	// payload against.
	Schema() model.SchemaDescriptor

	// Plan decomposes an order into item specifications. Must be
	// deterministic given (order.Payload, order.Meta).
	Plan(order *store.OrderRow) ([]model.ItemSpec, error)

	// AcceptancePolicy returns the submission-validation/readiness pair.
	// A handler may return DefaultAcceptancePolicy(h) to delegate to its
	// own ValidateSubmissionRules and the all-items-terminal-pre-apply
	// predicate.
	AcceptancePolicy() AcceptancePolicy

	ValidateSubmissionRules(item *store.ItemRow, result json.RawMessage) error
	AfterValidateSubmission(item *store.ItemRow, result json.RawMessage) error

	PartialRules(item *store.ItemRow, partKey string, seq *int, payload json.RawMessage) error
	AfterValidatePart(item *store.ItemRow, partKey string, payload json.RawMessage, seq *int) error

	RequiredParts(item *store.ItemRow) []string
	Assemble(item *store.ItemRow, latest map[string]json.RawMessage) (json.RawMessage, error)
	ValidateAssembled(item *store.ItemRow, assembled json.RawMessage) error

	BeforeApply(order *store.OrderRow) error
	Apply(ctx context.Context, order *store.OrderRow) (model.Diff, error)
	AfterApply(order *store.OrderRow, diff model.Diff) error

	ShouldAutoApprove() bool
}

// defaultAcceptancePolicy delegates to the owning handler's own submission
// rules and a predicate requiring every item to be in a terminal-pre-apply
// state (spec §4.3's stated default).
type defaultAcceptancePolicy struct {
	handler Handler
}

// DefaultAcceptancePolicy returns the spec-described default: whole-item
// submission validated by h.ValidateSubmissionRules, and readiness defined
// as "every item is submitted, accepted, or completed" (invariant I3).
func DefaultAcceptancePolicy(h Handler) AcceptancePolicy {
	return &defaultAcceptancePolicy{handler: h}
}

func (p *defaultAcceptancePolicy) ValidateSubmission(item *store.ItemRow, result json.RawMessage) error {
	return p.handler.ValidateSubmissionRules(item, result)
}

func (p *defaultAcceptancePolicy) ReadyForApproval(order *store.OrderRow, items []*store.ItemRow) bool {
	for _, it := range items {
		if !model.IsItemSubmittedLike(it.State) {
			return false
		}
	}
	return true
}

// UnknownTypeError is returned by Lookup when no handler is registered for
// the requested type.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("registry: no handler registered for type %q", e.Type)
}

// Registry is a concurrency-safe type-name -> Handler map. Registration is
// expected only at startup; Lookup is the sole hot path.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates typeName with h, overwriting any prior registration.
func (r *Registry) Register(typeName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeName] = h
}

// Lookup returns the handler registered for typeName, or UnknownTypeError.
func (r *Registry) Lookup(typeName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typeName]
	if !ok {
		return nil, &UnknownTypeError{Type: typeName}
	}
	return h, nil
}

// Types returns every registered type name, for diagnostics and listing.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
