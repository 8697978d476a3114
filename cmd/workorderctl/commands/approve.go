package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var (
	approveIdemKey   string
	approveActorKind string
	approveActorID   string
)

var approveCmd = &cobra.Command{
	Use:   "approve ORDER_ID",
	Short: "Approve an order ready for apply",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func init() {
	approveCmd.Flags().StringVar(&approveIdemKey, "idem", "", "idempotency key")
	actorFlags(approveCmd, &approveActorKind, &approveActorID)
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	actor, err := buildActor(approveActorKind, approveActorID)
	if err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, h *handle) error {
		order, err := h.Engine.Approve(ctx, args[0], actor, approveIdemKey)
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(order)
	})
}
