package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var (
	proposeType     string
	proposePayload  string
	proposeMeta     string
	proposePriority int
	proposeIdemKey  string
	proposeActorKind string
	proposeActorID   string
)

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Submit a new order proposal",
	Long: `Propose creates a new order of the given type, decomposed into its
leasable items by that type's registered handler.

The payload is validated against the handler's schema before the order is
persisted. Use --meta for free-form tenant/routing metadata the filter DSL
can query (listOrders' meta.* paths).`,
	RunE: runPropose,
}

func init() {
	proposeCmd.Flags().StringVar(&proposeType, "type", "", "order type (must have a registered handler)")
	proposeCmd.Flags().StringVar(&proposePayload, "payload", "", "order payload as JSON, or @file")
	proposeCmd.Flags().StringVar(&proposeMeta, "meta", "", "order metadata as JSON, or @file")
	proposeCmd.Flags().IntVar(&proposePriority, "priority", 0, "order priority (higher dispatches first)")
	proposeCmd.Flags().StringVar(&proposeIdemKey, "idem", "", "idempotency key")
	actorFlags(proposeCmd, &proposeActorKind, &proposeActorID)
	proposeCmd.MarkFlagRequired("type")
	proposeCmd.MarkFlagRequired("payload")
	rootCmd.AddCommand(proposeCmd)
}

func runPropose(cmd *cobra.Command, args []string) error {
	payload, err := jsonFlagValue(proposePayload)
	if err != nil {
		return err
	}
	meta, err := jsonFlagValue(proposeMeta)
	if err != nil {
		return err
	}
	actor, err := buildActor(proposeActorKind, proposeActorID)
	if err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, h *handle) error {
		order, err := h.Engine.Propose(ctx, proposeType, payload, meta, proposePriority, actor, proposeIdemKey, requestContextForActor(actor))
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(order)
	})
}
