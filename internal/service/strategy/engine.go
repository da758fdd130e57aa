// Package strategy evaluates bidding decisions for monitored auctions
// and executes them against the upstream client. Decisions are pure;
// execution runs one in-flight bid per auction and reports results on
// an outcome channel drained by the coordinator.
package strategy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/upstream"
	"github.com/davidleathers/auction-monitor-backend/internal/metrics"
)

// IncrementalRetryDelay respects the site's update cadence before an
// incremental re-raise after an AcceptedButOutbid outcome.
const IncrementalRetryDelay = 2 * time.Second

// Decision is the result of evaluating an auction against its strategy.
type Decision struct {
	Bid        bool
	Amount     int
	Reason     string
	MaxReached bool
}

// Decide applies the strategy table to the auction's current state.
// lastObservedMin is the most recent minimumNextBid reported by an
// outbid outcome, zero if none.
func Decide(a *auction.Auction, gs auction.GlobalSettings, lastObservedMin int, now time.Time) Decision {
	if a.State.Terminal() || a.Current.IsClosed {
		return Decision{Reason: "auction over"}
	}
	if a.Config.Strategy == auction.StrategyManual {
		return Decision{Reason: "manual strategy"}
	}
	if !a.Config.AutoBid {
		return Decision{Reason: "autobid disabled"}
	}
	if a.Current.IsWinning {
		return Decision{Reason: "already winning"}
	}
	if a.Config.Strategy == auction.StrategySniping && !a.InSnipeWindow(now) {
		return Decision{Reason: "outside snipe window"}
	}

	amount := a.Current.NextBid
	if lastObservedMin > amount {
		amount = lastObservedMin
	}
	amount += gs.BidBuffer

	if amount > a.Config.MaxBid {
		return Decision{Reason: "max bid reached", MaxReached: true}
	}
	return Decision{Bid: true, Amount: amount, Reason: "outbid"}
}

// Outcome is the result of one executed bid attempt.
type Outcome struct {
	AuctionID string
	Record    auction.BidRecord
	Result    upstream.BidOutcome
	Err       error

	// RetryAfter asks the coordinator to re-evaluate the auction after
	// the given delay; zero means no retry is suggested.
	RetryAfter time.Duration
}

// Engine executes bids with a per-auction in-flight guard.
type Engine struct {
	fetcher upstream.Fetcher
	metrics *metrics.Registry
	logger  *zap.Logger

	outcomes chan Outcome

	mu       sync.Mutex
	inFlight map[string]bool
	lastMin  map[string]int
}

func NewEngine(fetcher upstream.Fetcher, m *metrics.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		fetcher:  fetcher,
		metrics:  m,
		logger:   logger,
		outcomes: make(chan Outcome, 64),
		inFlight: make(map[string]bool),
		lastMin:  make(map[string]int),
	}
}

// Outcomes delivers executed bid results.
func (e *Engine) Outcomes() <-chan Outcome {
	return e.outcomes
}

// Evaluate runs the decision table and, when it calls for a bid,
// launches the attempt. Returns the decision so the coordinator can
// latch the one-shot max-bid notification.
func (e *Engine) Evaluate(ctx context.Context, a *auction.Auction, gs auction.GlobalSettings, now time.Time) Decision {
	e.mu.Lock()
	lastMin := e.lastMin[a.ID]
	e.mu.Unlock()

	d := Decide(a, gs, lastMin, now)
	if !d.Bid {
		return d
	}
	if !e.Execute(ctx, a.ID, d.Amount, a.Config.Strategy) {
		d.Bid = false
		d.Reason = "bid in flight"
	}
	return d
}

// Execute places a bid unless one is already in flight for the auction.
// Reports whether the attempt was launched.
func (e *Engine) Execute(ctx context.Context, id string, amount int, strat auction.Strategy) bool {
	e.mu.Lock()
	if e.inFlight[id] {
		e.mu.Unlock()
		return false
	}
	e.inFlight[id] = true
	e.mu.Unlock()

	// The caller's context is request-scoped and is cancelled as soon as
	// the command responds; a launched bid must run to completion.
	go e.place(context.WithoutCancel(ctx), id, amount, strat)
	return true
}

// Forget drops the engine's per-auction state on removal.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
	delete(e.lastMin, id)
}

func (e *Engine) place(ctx context.Context, id string, amount int, strat auction.Strategy) {
	start := time.Now()
	result, err := e.fetcher.PlaceBid(ctx, id, amount)
	elapsed := time.Since(start)

	e.mu.Lock()
	delete(e.inFlight, id)
	if err == nil && result.Status == upstream.BidAcceptedOutbid && result.NewMinimumNextBid > 0 {
		e.lastMin[id] = result.NewMinimumNextBid
	}
	e.mu.Unlock()

	rec := auction.BidRecord{
		Amount:   amount,
		Strategy: strat,
		Time:     start,
	}
	out := Outcome{AuctionID: id, Result: result, Err: err}

	switch {
	case err != nil:
		rec.Error = err.Error()
		e.metrics.BidsFailed.Add(ctx, 1, metrics.WithAuction(id))
		e.logger.Warn("bid attempt failed",
			zap.String("auction_id", id),
			zap.Int("amount", amount),
			zap.Error(err))
	case result.Status == upstream.BidRejected:
		rec.Error = result.Reason
		rec.UpstreamResponse = string(result.Raw)
		e.metrics.BidsFailed.Add(ctx, 1, metrics.WithAuction(id))
		e.logger.Info("bid rejected upstream",
			zap.String("auction_id", id),
			zap.Int("amount", amount),
			zap.String("reason", result.Reason))
	default:
		rec.Success = true
		rec.UpstreamResponse = string(result.Raw)
		e.metrics.BidsPlaced.Add(ctx, 1, metrics.WithAuction(id))
		e.metrics.BidLatency.Record(ctx, elapsed.Seconds(), metrics.WithAuction(id))
		e.logger.Info("bid placed",
			zap.String("auction_id", id),
			zap.Int("amount", amount),
			zap.String("status", string(result.Status)),
			zap.Duration("latency", elapsed))
	}

	if err == nil && result.Status == upstream.BidAcceptedOutbid {
		if strat == auction.StrategyIncremental {
			out.RetryAfter = IncrementalRetryDelay
		}
		// Sniping re-evaluates on the next snapshot; the window check
		// gates further attempts.
	}

	// Outcomes must not be lost: the send blocks until the coordinator
	// drains it.
	out.Record = rec
	e.outcomes <- out
}
