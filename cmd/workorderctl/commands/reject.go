package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/printer"
)

var (
	rejectErrors     string
	rejectAllowRework bool
	rejectIdemKey    string
	rejectActorKind  string
	rejectActorID    string
)

var rejectCmd = &cobra.Command{
	Use:   "reject ORDER_ID",
	Short: "Reject an order, optionally sending it back for rework",
	Long: `Reject moves an order out of the submitted/approved path with the
given validation issues recorded against it. With --allow-rework, the
order returns to queued and a fresh set of queued items is planned for it
instead of it being left terminal; its earlier items are left as they are.

--errors takes a JSON array of {"path":"...","message":"..."} objects, or
@file to read it from a file.`,
	Args: cobra.ExactArgs(1),
	RunE: runReject,
}

func init() {
	rejectCmd.Flags().StringVar(&rejectErrors, "errors", "[]", "validation issues as a JSON array")
	rejectCmd.Flags().BoolVar(&rejectAllowRework, "allow-rework", false, "return the order to queued and plan fresh items instead of leaving it terminal")
	rejectCmd.Flags().StringVar(&rejectIdemKey, "idem", "", "idempotency key")
	actorFlags(rejectCmd, &rejectActorKind, &rejectActorID)
	rootCmd.AddCommand(rejectCmd)
}

func runReject(cmd *cobra.Command, args []string) error {
	raw, err := jsonFlagValue(rejectErrors)
	if err != nil {
		return fmt.Errorf("parse --errors: %w", err)
	}
	var issues []model.ValidationIssue
	if err := json.Unmarshal(raw, &issues); err != nil {
		return fmt.Errorf("parse --errors: %w", err)
	}
	actor, err := buildActor(rejectActorKind, rejectActorID)
	if err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, h *handle) error {
		order, err := h.Engine.Reject(ctx, args[0], issues, rejectAllowRework, actor, rejectIdemKey)
		if err != nil {
			return printer.EngineError(err)
		}
		return printer.JSON(order)
	})
}
