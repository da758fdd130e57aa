// Package pipeline delivers auction snapshots from the upstream site
// through one of two interchangeable sources: a server-sent-event stream
// and a rate-limited polling queue. The Router selects exactly one
// active source per auction and fails over between them.
package pipeline

import (
	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
)

// Update is one snapshot observation flowing downstream. The snapshot's
// Source field records which pipeline produced it.
type Update struct {
	AuctionID string
	Snapshot  auction.Snapshot
}

// Sink receives updates from a source. Implementations must not block
// for long; the coordinator drains into its own serialized loop.
type Sink func(Update)
