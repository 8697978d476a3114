package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/executor"
	"github.com/orderforge/workorder/internal/printer"
)

var (
	finalizeMode    string
	finalizeIdemKey string
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize ITEM_ID",
	Short: "Assemble an item's submitted parts into its result",
	Long: `Finalize assembles a multi-part item's submitted parts into its
result. --mode strict fails if any required part is missing; --mode
best_effort assembles whatever parts are present.`,
	Args: cobra.ExactArgs(1),
	RunE: runFinalize,
}

func init() {
	finalizeCmd.Flags().StringVar(&finalizeMode, "mode", string(executor.FinalizeStrict), "strict or best_effort")
	finalizeCmd.Flags().StringVar(&finalizeIdemKey, "idem", "", "idempotency key")
	rootCmd.AddCommand(finalizeCmd)
}

func runFinalize(cmd *cobra.Command, args []string) error {
	var mode executor.FinalizeMode
	switch finalizeMode {
	case string(executor.FinalizeStrict):
		mode = executor.FinalizeStrict
	case string(executor.FinalizeBestEffort):
		mode = executor.FinalizeBestEffort
	default:
		return fmt.Errorf("--mode must be %q or %q, got %q", executor.FinalizeStrict, executor.FinalizeBestEffort, finalizeMode)
	}

	return withEngine(func(ctx context.Context, h *handle) error {
		item, err := h.Engine.Finalize(ctx, args[0], mode, finalizeIdemKey)
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(item)
	})
}
