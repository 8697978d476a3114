package statemachine

import "github.com/orderforge/workorder/internal/model"

// FromConfig builds an AdjacencyConfig starting from DefaultAdjacency and
// overlaying any caller-supplied `stateMachine.orderTransitions` /
// `stateMachine.itemTransitions` maps (spec §6), so deployments may narrow
// or widen the default graph without a code change. A nil/empty override
// map leaves the corresponding half of the default graph untouched.
func FromConfig(orderOverrides, itemOverrides map[string][]string) *AdjacencyConfig {
	adj := DefaultAdjacency()
	for from, tos := range orderOverrides {
		set := map[model.OrderState]bool{}
		for _, to := range tos {
			set[model.OrderState(to)] = true
		}
		adj.Order[model.OrderState(from)] = set
	}
	for from, tos := range itemOverrides {
		set := map[model.ItemState]bool{}
		for _, to := range tos {
			set[model.ItemState(to)] = true
		}
		adj.Item[model.ItemState(from)] = set
	}
	return adj
}
