package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/engine"
	"github.com/orderforge/workorder/internal/printer"
	"github.com/orderforge/workorder/internal/store"
)

var (
	listOrdersFilter string
	listOrdersSort   []string
	listOrdersLimit  int
	listOrdersOffset int
)

var listOrdersCmd = &cobra.Command{
	Use:   "list-orders",
	Short: "List orders matching a filter",
	Long: `list-orders runs the filter/sort/pagination DSL of listOrders
against the store.

--filter takes the filter tree as JSON, e.g.:
  '{"bool":"and","children":[{"condition":{"field":"state","op":"eq","value":"queued"}}]}'

--sort takes one or more "field" or "-field" terms (a leading "-" sorts
descending), applied in the order given.`,
	RunE: runListOrders,
}

func init() {
	listOrdersCmd.Flags().StringVar(&listOrdersFilter, "filter", "", "filter tree as JSON")
	listOrdersCmd.Flags().StringSliceVar(&listOrdersSort, "sort", nil, `sort terms, e.g. --sort=-priority,created_at`)
	listOrdersCmd.Flags().IntVar(&listOrdersLimit, "limit", 50, "maximum orders to return")
	listOrdersCmd.Flags().IntVar(&listOrdersOffset, "offset", 0, "pagination offset")
	rootCmd.AddCommand(listOrdersCmd)
}

func runListOrders(cmd *cobra.Command, args []string) error {
	filterJSON, err := jsonFlagValue(listOrdersFilter)
	if err != nil {
		return err
	}
	sortTerms := make([]store.SortTerm, 0, len(listOrdersSort))
	for _, raw := range listOrdersSort {
		desc := strings.HasPrefix(raw, "-")
		field := strings.TrimPrefix(raw, "-")
		if field == "" {
			continue
		}
		sortTerms = append(sortTerms, store.SortTerm{Field: field, Descending: desc})
	}

	return withEngine(func(ctx context.Context, h *handle) error {
		orders, err := h.Engine.ListOrders(ctx, engine.ListOrdersRequest{
			Filter: filterJSON,
			Sort:   sortTerms,
			Limit:  listOrdersLimit,
			Offset: listOrdersOffset,
		})
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(orders)
	})
}
