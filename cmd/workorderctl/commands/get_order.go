package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var getOrderCmd = &cobra.Command{
	Use:   "get-order ORDER_ID",
	Short: "Fetch a single order",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetOrder,
}

func init() {
	rootCmd.AddCommand(getOrderCmd)
}

func runGetOrder(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, h *handle) error {
		order, err := h.Engine.GetOrder(ctx, args[0])
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(order)
	})
}
