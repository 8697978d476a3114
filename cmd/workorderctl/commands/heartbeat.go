package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var heartbeatAgentID string

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat ITEM_ID",
	Short: "Extend an item's lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runHeartbeat,
}

func init() {
	heartbeatCmd.Flags().StringVar(&heartbeatAgentID, "agent", "", "agent identifier (required)")
	heartbeatCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(heartbeatCmd)
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, h *handle) error {
		item, err := h.Engine.Heartbeat(ctx, args[0], heartbeatAgentID)
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(item)
	})
}
