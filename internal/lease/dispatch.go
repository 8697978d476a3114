package lease

import (
	"context"
	"fmt"
)

// AcquireNext implements the global lease dispatch of spec §4.4: scans
// candidates for itemType in priority-FIFO order (parent-order priority
// desc, item createdAt asc — see store.DB.ListDispatchCandidates),
// enforcing per-agent and per-type concurrency caps, and acquires the
// first eligible candidate. Returns ErrNoWork if nothing is eligible.
func (e *Engine) AcquireNext(ctx context.Context, agentID string, filter DispatchRequest) (*dispatchResult, error) {
	if e.cfg.AgentCap > 0 {
		n, err := e.store.CountActiveLeasesByAgent(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("count active leases for agent %s: %w", agentID, err)
		}
		if n >= e.cfg.AgentCap {
			return nil, ErrAgentCapReached
		}
	}
	if e.cfg.TypeCap > 0 {
		n, err := e.store.CountActiveLeasesByType(ctx, filter.Type)
		if err != nil {
			return nil, fmt.Errorf("count active leases for type %s: %w", filter.Type, err)
		}
		if n >= e.cfg.TypeCap {
			return nil, ErrTypeCapReached
		}
	}

	candidates, err := e.store.ListDispatchCandidates(ctx, filter.toStoreFilter())
	if err != nil {
		return nil, fmt.Errorf("list dispatch candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoWork
	}

	// ListDispatchCandidates already orders by (priority desc, createdAt
	// asc); take candidates in that order until one is successfully
	// acquired (another agent may win the race on any given one).
	var lastErr error
	for _, c := range candidates {
		item, err := e.Acquire(ctx, c.ID, agentID)
		if err == nil {
			return &dispatchResult{Item: item}, nil
		}
		if IsConflict(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, ErrNoWork
	}
	return nil, ErrNoWork
}
