package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/store"
)

// stubHandler satisfies Handler with no-op bodies, enough to exercise
// registration/lookup and the default acceptance policy.
type stubHandler struct{}

func (stubHandler) Schema() model.SchemaDescriptor { return model.SchemaDescriptor{TypeName: "echo"} }
func (stubHandler) Plan(order *store.OrderRow) ([]model.ItemSpec, error) {
	return []model.ItemSpec{{Type: "echo"}}, nil
}
func (h stubHandler) AcceptancePolicy() AcceptancePolicy    { return DefaultAcceptancePolicy(h) }
func (stubHandler) ValidateSubmissionRules(*store.ItemRow, json.RawMessage) error { return nil }
func (stubHandler) AfterValidateSubmission(*store.ItemRow, json.RawMessage) error { return nil }
func (stubHandler) PartialRules(*store.ItemRow, string, *int, json.RawMessage) error { return nil }
func (stubHandler) AfterValidatePart(*store.ItemRow, string, json.RawMessage, *int) error { return nil }
func (stubHandler) RequiredParts(*store.ItemRow) []string { return nil }
func (stubHandler) Assemble(*store.ItemRow, map[string]json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage("{}"), nil
}
func (stubHandler) ValidateAssembled(*store.ItemRow, json.RawMessage) error { return nil }
func (stubHandler) BeforeApply(*store.OrderRow) error                      { return nil }
func (stubHandler) Apply(context.Context, *store.OrderRow) (model.Diff, error) {
	return model.Diff{}, nil
}
func (stubHandler) AfterApply(*store.OrderRow, model.Diff) error { return nil }
func (stubHandler) ShouldAutoApprove() bool                      { return true }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	r.Register("echo", stubHandler{})

	h, err := r.Lookup("echo")

	require.NoError(t, err)
	assert.Equal(t, "echo", h.Schema().TypeName)
}

func TestRegistry_LookupUnknownType(t *testing.T) {
	r := New()

	_, err := r.Lookup("missing")

	require.Error(t, err)
	var unknown *UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Type)
}

func TestRegistry_Types(t *testing.T) {
	r := New()
	r.Register("echo", stubHandler{})
	r.Register("noop", stubHandler{})

	assert.ElementsMatch(t, []string{"echo", "noop"}, r.Types())
}

func TestDefaultAcceptancePolicy_ReadyForApproval(t *testing.T) {
	h := stubHandler{}
	policy := h.AcceptancePolicy()

	order := &store.OrderRow{ID: "o1"}
	notReady := []*store.ItemRow{{State: model.ItemLeased}}
	ready := []*store.ItemRow{{State: model.ItemSubmitted}, {State: model.ItemCompleted}}

	assert.False(t, policy.ReadyForApproval(order, notReady))
	assert.True(t, policy.ReadyForApproval(order, ready))
}
