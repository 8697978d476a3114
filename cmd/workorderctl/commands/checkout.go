package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/engine"
	"github.com/orderforge/workorder/internal/lease"
	"github.com/orderforge/workorder/internal/printer"
)

var (
	checkoutOrderID     string
	checkoutType        string
	checkoutMinPriority int
	checkoutTenantPath  []string
	checkoutTenantValue string
	checkoutIdemKey     string

	checkoutAgentID      string
	checkoutAgentName    string
	checkoutAgentVersion string
	checkoutModelName    string
	checkoutRequestID    string
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Lease the next eligible item to an agent",
	Long: `Checkout leases one item to --agent.

With --order, it scopes to that order's next queued item. Without --order,
it dispatches globally across all eligible items via the priority-FIFO
lease engine, optionally narrowed by --type/--min-priority/--tenant-path/
--tenant-value.`,
	RunE: runCheckout,
}

func init() {
	checkoutCmd.Flags().StringVar(&checkoutOrderID, "order", "", "scope checkout to this order's items")
	checkoutCmd.Flags().StringVar(&checkoutType, "type", "", "global dispatch: restrict to this item type")
	checkoutCmd.Flags().IntVar(&checkoutMinPriority, "min-priority", 0, "global dispatch: minimum order priority")
	checkoutCmd.Flags().StringSliceVar(&checkoutTenantPath, "tenant-path", nil, "global dispatch: dotted meta path identifying the tenant")
	checkoutCmd.Flags().StringVar(&checkoutTenantValue, "tenant-value", "", "global dispatch: required value at --tenant-path")
	checkoutCmd.Flags().StringVar(&checkoutIdemKey, "idem", "", "idempotency key")
	requestContextFlags(checkoutCmd, &checkoutAgentID, &checkoutAgentName, &checkoutAgentVersion, &checkoutModelName, &checkoutRequestID)
	rootCmd.AddCommand(checkoutCmd)
}

func runCheckout(cmd *cobra.Command, args []string) error {
	req := engine.CheckoutRequest{
		OrderID: checkoutOrderID,
		AgentID: checkoutAgentID,
	}
	if checkoutOrderID == "" {
		dispatch := lease.DispatchRequest{Type: checkoutType, TenantPath: checkoutTenantPath, TenantValue: checkoutTenantValue}
		if checkoutMinPriority != 0 {
			dispatch.MinPriority = &checkoutMinPriority
		}
		req.Dispatch = dispatch
	}
	rc := buildRequestContext(checkoutAgentID, checkoutAgentName, checkoutAgentVersion, checkoutModelName, checkoutRequestID)

	return withEngine(func(ctx context.Context, h *handle) error {
		item, err := h.Engine.Checkout(ctx, req, checkoutIdemKey, rc)
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(item)
	})
}
