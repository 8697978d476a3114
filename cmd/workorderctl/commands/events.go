package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var (
	eventsOrderID string
	eventsItemID  string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List the audit trail for an order or item",
	Long:  `Exactly one of --order or --item must be given.`,
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsOrderID, "order", "", "order id")
	eventsCmd.Flags().StringVar(&eventsItemID, "item", "", "item id")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	if (eventsOrderID == "") == (eventsItemID == "") {
		return fmt.Errorf("exactly one of --order or --item is required")
	}

	return withEngine(func(ctx context.Context, h *handle) error {
		events, err := h.Engine.EventsFor(ctx, eventsOrderID, eventsItemID)
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(events)
	})
}
