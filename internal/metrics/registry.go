package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the domain metrics for the auction monitor.
type Registry struct {
	meter metric.Meter

	// Snapshot pipeline
	SnapshotsProcessed metric.Int64Counter
	SnapshotErrors     metric.Int64Counter
	PipelineSwitches   metric.Int64Counter

	// Bidding
	BidsPlaced    metric.Int64Counter
	BidsFailed    metric.Int64Counter
	BidLatency    metric.Float64Histogram
	MaxBidReached metric.Int64Counter

	// Upstream
	UpstreamRequests  metric.Int64Counter
	UpstreamErrors    metric.Int64Counter
	BreakerOpens      metric.Int64Counter
	RateLimitRefusals metric.Int64Counter

	// Clients
	ConnectedClients metric.Int64UpDownCounter
	FramesSent       metric.Int64Counter
	FramesDropped    metric.Int64Counter

	// Store
	StoreDegradations metric.Int64Counter
}

// NewRegistry creates and registers all domain metrics.
func NewRegistry() (*Registry, error) {
	meter := otel.Meter("auction-monitor")
	r := &Registry{meter: meter}

	var err error

	if r.SnapshotsProcessed, err = meter.Int64Counter("auction_snapshots_processed_total",
		metric.WithDescription("Snapshots merged into auction state")); err != nil {
		return nil, fmt.Errorf("creating snapshot counter: %w", err)
	}
	if r.SnapshotErrors, err = meter.Int64Counter("auction_snapshot_errors_total",
		metric.WithDescription("Snapshots rejected or failed to fetch")); err != nil {
		return nil, fmt.Errorf("creating snapshot error counter: %w", err)
	}
	if r.PipelineSwitches, err = meter.Int64Counter("auction_pipeline_switches_total",
		metric.WithDescription("Stream/polling failovers per auction")); err != nil {
		return nil, fmt.Errorf("creating pipeline switch counter: %w", err)
	}
	if r.BidsPlaced, err = meter.Int64Counter("auction_bids_placed_total",
		metric.WithDescription("Bids submitted upstream")); err != nil {
		return nil, fmt.Errorf("creating bids placed counter: %w", err)
	}
	if r.BidsFailed, err = meter.Int64Counter("auction_bids_failed_total",
		metric.WithDescription("Bid attempts that failed or were rejected")); err != nil {
		return nil, fmt.Errorf("creating bids failed counter: %w", err)
	}
	if r.BidLatency, err = meter.Float64Histogram("auction_bid_latency_seconds",
		metric.WithDescription("Round-trip latency of bid placement")); err != nil {
		return nil, fmt.Errorf("creating bid latency histogram: %w", err)
	}
	if r.MaxBidReached, err = meter.Int64Counter("auction_max_bid_reached_total",
		metric.WithDescription("Auctions whose configured ceiling blocked a bid")); err != nil {
		return nil, fmt.Errorf("creating max bid counter: %w", err)
	}
	if r.UpstreamRequests, err = meter.Int64Counter("upstream_requests_total",
		metric.WithDescription("Requests issued to the auction site")); err != nil {
		return nil, fmt.Errorf("creating upstream request counter: %w", err)
	}
	if r.UpstreamErrors, err = meter.Int64Counter("upstream_errors_total",
		metric.WithDescription("Transport and 5xx failures from the auction site")); err != nil {
		return nil, fmt.Errorf("creating upstream error counter: %w", err)
	}
	if r.BreakerOpens, err = meter.Int64Counter("upstream_breaker_opens_total",
		metric.WithDescription("Circuit breaker open transitions")); err != nil {
		return nil, fmt.Errorf("creating breaker counter: %w", err)
	}
	if r.RateLimitRefusals, err = meter.Int64Counter("upstream_rate_limit_refusals_total",
		metric.WithDescription("Requests refused by the local token bucket")); err != nil {
		return nil, fmt.Errorf("creating rate limit counter: %w", err)
	}
	if r.ConnectedClients, err = meter.Int64UpDownCounter("hub_connected_clients",
		metric.WithDescription("Currently connected websocket clients")); err != nil {
		return nil, fmt.Errorf("creating client gauge: %w", err)
	}
	if r.FramesSent, err = meter.Int64Counter("hub_frames_sent_total",
		metric.WithDescription("Outbound frames delivered to clients")); err != nil {
		return nil, fmt.Errorf("creating frames sent counter: %w", err)
	}
	if r.FramesDropped, err = meter.Int64Counter("hub_frames_dropped_total",
		metric.WithDescription("Outbound frames dropped on slow clients")); err != nil {
		return nil, fmt.Errorf("creating frames dropped counter: %w", err)
	}
	if r.StoreDegradations, err = meter.Int64Counter("store_degradations_total",
		metric.WithDescription("Fallbacks from the backing store to memory")); err != nil {
		return nil, fmt.Errorf("creating store degradation counter: %w", err)
	}

	return r, nil
}

// WithAuction returns the standard attribute set for per-auction metrics.
func WithAuction(id string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("auction_id", id))
}

// RecordSnapshot is a convenience for the hot path.
func (r *Registry) RecordSnapshot(ctx context.Context, id string, source string) {
	r.SnapshotsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("auction_id", id),
		attribute.String("source", source),
	))
}
