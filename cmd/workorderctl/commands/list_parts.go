package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var listPartsCmd = &cobra.Command{
	Use:   "list-parts ITEM_ID",
	Short: "List the parts submitted for an item",
	Args:  cobra.ExactArgs(1),
	RunE:  runListParts,
}

func init() {
	rootCmd.AddCommand(listPartsCmd)
}

func runListParts(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, h *handle) error {
		parts, err := h.Engine.ListParts(ctx, args[0])
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(parts)
	})
}
