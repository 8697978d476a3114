package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var (
	submitResult   string
	submitEvidence string
	submitNotes    string
	submitIdemKey  string

	submitAgentID      string
	submitAgentName    string
	submitAgentVersion string
	submitModelName    string
	submitRequestID    string
)

var submitCmd = &cobra.Command{
	Use:   "submit ITEM_ID",
	Short: "Submit a whole-item result",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitResult, "result", "", "result payload as JSON, or @file (required)")
	submitCmd.Flags().StringVar(&submitEvidence, "evidence", "", "supporting evidence as JSON, or @file")
	submitCmd.Flags().StringVar(&submitNotes, "notes", "", "free-form notes as JSON, or @file")
	submitCmd.Flags().StringVar(&submitIdemKey, "idem", "", "idempotency key")
	requestContextFlags(submitCmd, &submitAgentID, &submitAgentName, &submitAgentVersion, &submitModelName, &submitRequestID)
	submitCmd.MarkFlagRequired("result")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	result, err := jsonFlagValue(submitResult)
	if err != nil {
		return err
	}
	evidence, err := jsonFlagValue(submitEvidence)
	if err != nil {
		return err
	}
	notes, err := jsonFlagValue(submitNotes)
	if err != nil {
		return err
	}
	rc := buildRequestContext(submitAgentID, submitAgentName, submitAgentVersion, submitModelName, submitRequestID)

	return withEngine(func(ctx context.Context, h *handle) error {
		item, err := h.Engine.Submit(ctx, args[0], result, submitAgentID, evidence, notes, submitIdemKey, rc)
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(item)
	})
}
