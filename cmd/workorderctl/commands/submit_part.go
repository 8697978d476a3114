package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var (
	submitPartKey      string
	submitPartSeq      int
	submitPartPayload  string
	submitPartEvidence string
	submitPartNotes    string
	submitPartIdemKey  string

	submitPartAgentID      string
	submitPartAgentName    string
	submitPartAgentVersion string
	submitPartModelName    string
	submitPartRequestID    string
)

var submitPartCmd = &cobra.Command{
	Use:   "submit-part ITEM_ID",
	Short: "Submit one part of a multi-part item",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmitPart,
}

func init() {
	submitPartCmd.Flags().StringVar(&submitPartKey, "part", "", "part key (required)")
	submitPartCmd.Flags().IntVar(&submitPartSeq, "seq", -1, "part sequence number (omit for unsequenced parts)")
	submitPartCmd.Flags().StringVar(&submitPartPayload, "payload", "", "part payload as raw bytes, or @file (required)")
	submitPartCmd.Flags().StringVar(&submitPartEvidence, "evidence", "", "supporting evidence as JSON, or @file")
	submitPartCmd.Flags().StringVar(&submitPartNotes, "notes", "", "free-form notes as JSON, or @file")
	submitPartCmd.Flags().StringVar(&submitPartIdemKey, "idem", "", "idempotency key")
	requestContextFlags(submitPartCmd, &submitPartAgentID, &submitPartAgentName, &submitPartAgentVersion, &submitPartModelName, &submitPartRequestID)
	submitPartCmd.MarkFlagRequired("part")
	submitPartCmd.MarkFlagRequired("payload")
	rootCmd.AddCommand(submitPartCmd)
}

func runSubmitPart(cmd *cobra.Command, args []string) error {
	payload, err := rawFlagValue(submitPartPayload)
	if err != nil {
		return err
	}
	evidence, err := jsonFlagValue(submitPartEvidence)
	if err != nil {
		return err
	}
	notes, err := jsonFlagValue(submitPartNotes)
	if err != nil {
		return err
	}
	var seq *int
	if submitPartSeq >= 0 {
		seq = &submitPartSeq
	}
	rc := buildRequestContext(submitPartAgentID, submitPartAgentName, submitPartAgentVersion, submitPartModelName, submitPartRequestID)

	return withEngine(func(ctx context.Context, h *handle) error {
		part, err := h.Engine.SubmitPart(ctx, args[0], submitPartKey, seq, payload, submitPartAgentID, evidence, notes, submitPartIdemKey, rc)
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(part)
	})
}

// rawFlagValue reads a part payload: a literal byte string, or, when
// prefixed with "@", the contents of that file.
func rawFlagValue(raw string) ([]byte, error) {
	if len(raw) > 0 && raw[0] == '@' {
		return os.ReadFile(raw[1:])
	}
	return []byte(raw), nil
}
