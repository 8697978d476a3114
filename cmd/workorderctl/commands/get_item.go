package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var getItemCmd = &cobra.Command{
	Use:   "get-item ITEM_ID",
	Short: "Fetch a single item",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetItem,
}

func init() {
	rootCmd.AddCommand(getItemCmd)
}

func runGetItem(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, h *handle) error {
		item, err := h.Engine.GetItem(ctx, args[0])
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(item)
	})
}
