package lease

import (
	"errors"

	"github.com/orderforge/workorder/internal/store"
)

// ErrNoWork is returned by AcquireNext when no eligible item is available.
var ErrNoWork = errors.New("lease: no eligible work available")

// ErrAgentCapReached is returned by AcquireNext when agentID already holds
// the configured per-agent maximum of active leases.
var ErrAgentCapReached = errors.New("lease: agent concurrency cap reached")

// ErrTypeCapReached is returned by AcquireNext when the requested item
// type already has the configured per-type maximum of active leases.
var ErrTypeCapReached = errors.New("lease: type concurrency cap reached")

// DispatchRequest narrows AcquireNext's candidate search.
type DispatchRequest struct {
	Type        string
	MinPriority *int
	TenantPath  []string
	TenantValue string
}

func (r DispatchRequest) toStoreFilter() store.DispatchFilter {
	return store.DispatchFilter{
		Type: r.Type, MinPriority: r.MinPriority,
		TenantPath: r.TenantPath, TenantValue: r.TenantValue,
	}
}

// dispatchResult carries the acquired item back to the caller; a struct
// rather than a bare *store.ItemRow leaves room for future dispatch
// metadata (e.g. queue depth) without breaking the AcquireNext signature.
type dispatchResult struct {
	Item *store.ItemRow
}
