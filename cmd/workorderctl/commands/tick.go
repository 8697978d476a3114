package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/printer"
)

var tickPhases []string

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run the maintenance loop's passes",
	Long: `Tick runs the three maintenance passes — reclaim expired leases,
dead-letter stuck work, and surface stale orders — once each, in that
order. With --phases, only the named passes run.

Exit code is 0 if every requested pass completed, non-zero if any pass
raised an unrecovered exception (a pass's own error never stops the
others from running).`,
	RunE: runTick,
}

func init() {
	tickCmd.Flags().StringSliceVar(&tickPhases, "phases", nil, "reclaimExpiredLeases, deadLetterStuckWork, checkStaleOrders (all, if omitted)")
	rootCmd.AddCommand(tickCmd)
}

// tickOutput mirrors maintenance.Report with PassErrors rendered as
// strings — the bare []error the engine returns marshals to "{}" per
// element otherwise.
type tickOutput struct {
	LeasesReclaimed    int      `json:"leasesReclaimed"`
	ItemsDeadEnded     int      `json:"itemsDeadEnded"`
	OrdersDeadLettered int      `json:"ordersDeadLettered"`
	ItemsDeadLettered  int      `json:"itemsDeadLettered"`
	StaleOrdersFound   int      `json:"staleOrdersFound"`
	PassErrors         []string `json:"passErrors,omitempty"`
}

func runTick(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, h *handle) error {
		report := h.Engine.Tick(ctx, tickPhases)
		out := tickOutput{
			LeasesReclaimed:    report.LeasesReclaimed,
			ItemsDeadEnded:     report.ItemsDeadEnded,
			OrdersDeadLettered: report.OrdersDeadLettered,
			ItemsDeadLettered:  report.ItemsDeadLettered,
			StaleOrdersFound:   report.StaleOrdersFound,
		}
		for _, perr := range report.PassErrors {
			out.PassErrors = append(out.PassErrors, perr.Error())
		}
		if err := printer.JSON(out); err != nil {
			return err
		}
		if len(report.PassErrors) > 0 {
			return fmt.Errorf("%d maintenance pass(es) failed", len(report.PassErrors))
		}
		return nil
	})
}
