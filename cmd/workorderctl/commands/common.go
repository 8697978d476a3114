package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/provenance"
)

// jsonFlagValue reads a JSON document from a flag's raw value: a literal
// JSON string, or, when prefixed with "@", the contents of that file —
// the same convention curl uses for request bodies.
func jsonFlagValue(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", raw[1:], err)
		}
		return json.RawMessage(data), nil
	}
	return json.RawMessage(raw), nil
}

// actorFlags adds the --actor-kind/--actor-id pair shared by every
// order-level mutation (propose, approve, reject).
func actorFlags(cmd *cobra.Command, kind, id *string) {
	cmd.Flags().StringVar(kind, "actor-kind", "user", "actor kind: user, agent, or system")
	cmd.Flags().StringVar(id, "actor-id", "cli", "actor identifier")
}

func buildActor(kind, id string) (model.Actor, error) {
	actor := model.Actor{Kind: model.ActorKind(kind), ID: id}
	if err := actor.Validate(); err != nil {
		return model.Actor{}, err
	}
	return actor, nil
}

// requestContextFlags adds the provenance-capture flags shared by every
// agent-initiated mutation (checkout, submit, submitPart).
func requestContextFlags(cmd *cobra.Command, agentID, agentName, agentVersion, modelName, requestID *string) {
	cmd.Flags().StringVar(agentID, "agent", "", "agent identifier (required)")
	cmd.Flags().StringVar(agentName, "agent-name", "", "agent display name")
	cmd.Flags().StringVar(agentVersion, "agent-version", "", "agent version")
	cmd.Flags().StringVar(modelName, "model", "", "model name backing the agent")
	cmd.Flags().StringVar(requestID, "request-id", "", "caller-supplied request id (generated if omitted)")
	cmd.MarkFlagRequired("agent")
}

// requestContextForActor builds the provenance.RequestContext for
// actor-driven calls (propose) that have no separate
// agent-identity flags — the actor's own id stands in for AgentID.
func requestContextForActor(actor model.Actor) provenance.RequestContext {
	return provenance.RequestContext{AgentID: actor.ID}
}

func buildRequestContext(agentID, agentName, agentVersion, modelName, requestID string) provenance.RequestContext {
	rc := provenance.RequestContext{AgentID: agentID, RequestID: requestID}
	if agentName != "" {
		rc.AgentName = &agentName
	}
	if agentVersion != "" {
		rc.AgentVersion = &agentVersion
	}
	if modelName != "" {
		rc.ModelName = &modelName
	}
	return rc
}

// withEngine opens the production wiring, runs fn, and always tears it
// down — the shared bracket every subcommand's RunE wraps its work in.
func withEngine(fn func(ctx context.Context, h *handle) error) error {
	h, err := buildEngine()
	if err != nil {
		return err
	}
	defer h.close()
	return fn(context.Background(), h)
}
