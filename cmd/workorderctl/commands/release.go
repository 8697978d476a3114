package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var releaseAgentID string

var releaseCmd = &cobra.Command{
	Use:   "release ITEM_ID",
	Short: "Release an item's lease back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelease,
}

func init() {
	releaseCmd.Flags().StringVar(&releaseAgentID, "agent", "", "agent identifier (required)")
	releaseCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(releaseCmd)
}

func runRelease(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, h *handle) error {
		item, err := h.Engine.Release(ctx, args[0], releaseAgentID)
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(item)
	})
}
