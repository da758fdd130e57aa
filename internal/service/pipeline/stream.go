package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/upstream"
)

const (
	eventBidsPrefix   = "ch_product_bids:"
	eventClosedPrefix = "ch_product_closed:"

	streamBackoffInitial = time.Second
	streamBackoffMax     = 30 * time.Second
	streamBackoffJitter  = 0.1
)

// HealthFunc receives per-auction stream health transitions.
type HealthFunc func(auctionID string, healthy bool)

// EventStream maintains one SSE subscription per watched auction. The
// stream carries deltas only, so every successful connect also triggers
// a full fetch through the upstream client. Reconnects are handled with
// jittered exponential backoff; after repeated failures the auction is
// reported unhealthy so the router can fall back to polling.
type EventStream struct {
	upstreamCfg *config.UpstreamConfig
	pipeCfg     *config.PipelineConfig
	fetcher     upstream.Fetcher
	cookies     func() string
	sink        Sink
	onHealth    HealthFunc
	logger      *zap.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cur       auction.Snapshot
	idle      *time.Timer
	failures  int
	unhealthy bool
}

// NewEventStream builds the stream manager. cookies supplies the current
// session cookie header for subscription requests; it may return "".
func NewEventStream(upstreamCfg *config.UpstreamConfig, pipeCfg *config.PipelineConfig, fetcher upstream.Fetcher, cookies func() string, sink Sink, onHealth HealthFunc, logger *zap.Logger) *EventStream {
	return &EventStream{
		upstreamCfg: upstreamCfg,
		pipeCfg:     pipeCfg,
		fetcher:     fetcher,
		cookies:     cookies,
		sink:        sink,
		onHealth:    onHealth,
		logger:      logger,
		watches:     make(map[string]*watch),
	}
}

// Watch opens a subscription for the auction. Watching an already
// watched id is a no-op. The subscription lives until Unwatch or ctx
// cancellation.
func (s *EventStream) Watch(ctx context.Context, id string) {
	s.mu.Lock()
	if _, ok := s.watches[id]; ok {
		s.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		cur:    auction.Snapshot{ID: id},
	}
	s.watches[id] = w
	s.mu.Unlock()

	go s.run(wctx, w)
}

// Unwatch closes the subscription and drops any pending reconnect.
func (s *EventStream) Unwatch(id string) {
	s.mu.Lock()
	w, ok := s.watches[id]
	if ok {
		delete(s.watches, id)
	}
	s.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

// Watching reports whether the id currently has a subscription.
func (s *EventStream) Watching(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watches[id]
	return ok
}

func (s *EventStream) run(ctx context.Context, w *watch) {
	defer close(w.done)
	url := fmt.Sprintf("%s/live-products?productId=%s", s.upstreamCfg.SSEURL, w.id)

	for ctx.Err() == nil {
		s.subscribe(ctx, w, url)
	}
	w.stopIdle()
}

// subscribe runs one subscription attempt cycle. The sse client retries
// internally with backoff; this returns when the idle timer fires or the
// watch is cancelled, and run starts over with a fresh client.
func (s *EventStream) subscribe(ctx context.Context, w *watch, url string) {
	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = streamBackoffInitial
	bo.RandomizationFactor = streamBackoffJitter
	bo.Multiplier = 2
	bo.MaxInterval = streamBackoffMax
	bo.MaxElapsedTime = 0

	client := sse.NewClient(url)
	client.Connection = &http.Client{
		Transport: &http.Transport{ResponseHeaderTimeout: s.upstreamCfg.RequestTimeout},
	}
	if cookie := s.cookies(); cookie != "" {
		client.Headers["Cookie"] = cookie
	}
	client.ReconnectStrategy = backoff.WithContext(bo, subCtx)
	client.ReconnectNotify = func(err error, next time.Duration) {
		w.mu.Lock()
		w.failures++
		n := w.failures
		w.mu.Unlock()

		s.logger.Warn("stream reconnect failed",
			zap.String("auction_id", w.id),
			zap.Int("consecutive", n),
			zap.Duration("next_attempt", next),
			zap.Error(err))
		if n == s.pipeCfg.StreamMaxFailures {
			s.setHealth(w, false)
		}
	}
	// The sse client's OnConnect only fires once the first event has been
	// read; the response validator runs as soon as the subscription
	// response is established, so connect side effects hang off it. With
	// a validator set the client skips its own status check.
	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("stream connect refused: %s", resp.Status)
		}
		s.connected(ctx, w, bo)
		return nil
	}

	w.armIdle(s.pipeCfg.StreamIdleTimeout, cancelSub)

	err := client.SubscribeRawWithContext(subCtx, func(msg *sse.Event) {
		w.touchIdle(s.pipeCfg.StreamIdleTimeout)
		s.handleEvent(w, msg)
	})
	w.stopIdle()

	if err != nil && ctx.Err() == nil {
		s.logger.Debug("stream subscription ended",
			zap.String("auction_id", w.id), zap.Error(err))
	}
}

// connected runs on every established subscription, before any event
// arrives.
func (s *EventStream) connected(ctx context.Context, w *watch, bo *backoff.ExponentialBackOff) {
	bo.Reset()
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()

	s.logger.Info("stream connected", zap.String("auction_id", w.id))
	s.setHealth(w, true)
	w.touchIdle(s.pipeCfg.StreamIdleTimeout)

	// The stream carries deltas; fetch the full snapshot once.
	go s.refresh(ctx, w)
}

func (s *EventStream) refresh(ctx context.Context, w *watch) {
	snap, err := s.fetcher.FetchAuction(ctx, w.id)
	if err != nil {
		s.logger.Debug("post-connect fetch failed",
			zap.String("auction_id", w.id), zap.Error(err))
		return
	}
	snap.Source = auction.SourceStream

	w.mu.Lock()
	w.cur = snap
	w.mu.Unlock()

	s.sink(Update{AuctionID: w.id, Snapshot: snap})
}

func (s *EventStream) handleEvent(w *watch, msg *sse.Event) {
	switch name := string(msg.Event); name {
	case "":
		// heartbeat
	case eventBidsPrefix + w.id:
		s.applyDelta(w, msg.Data)
	case eventClosedPrefix + w.id:
		s.applyClosed(w)
	default:
		s.logger.Debug("unrecognized stream event",
			zap.String("auction_id", w.id), zap.String("event", name))
	}
}

// streamDelta mirrors the product payload with every field optional.
type streamDelta struct {
	CurrentPrice *int    `json:"currentPrice"`
	BidCount     *int    `json:"bidCount"`
	BidderCount  *int    `json:"bidderCount"`
	IsClosed     *bool   `json:"isClosed"`
	MarketStatus *string `json:"marketStatus"`
	CloseTime    *struct {
		Value string `json:"value"`
	} `json:"closeTime"`
	UserState *struct {
		NextBid    *int  `json:"nextBid"`
		IsWinning  *bool `json:"isWinning"`
		IsWatching *bool `json:"isWatching"`
	} `json:"userState"`
}

func (s *EventStream) applyDelta(w *watch, data []byte) {
	var d streamDelta
	if err := json.Unmarshal(data, &d); err != nil {
		s.logger.Warn("malformed bid event",
			zap.String("auction_id", w.id), zap.Error(err))
		return
	}

	w.mu.Lock()
	snap := w.cur
	snap.ID = w.id
	if d.CurrentPrice != nil {
		snap.CurrentBid = *d.CurrentPrice
		snap.NextBid = *d.CurrentPrice + 1
	}
	if d.BidCount != nil {
		snap.BidCount = *d.BidCount
	}
	if d.BidderCount != nil {
		snap.BidderCount = *d.BidderCount
	}
	if d.IsClosed != nil {
		snap.IsClosed = *d.IsClosed
	}
	if d.MarketStatus != nil && (*d.MarketStatus == "sold" || *d.MarketStatus == "closed") {
		snap.IsClosed = true
	}
	if d.CloseTime != nil {
		if t, err := time.Parse(time.RFC3339, d.CloseTime.Value); err == nil {
			snap.CloseAt = t
		}
	}
	if d.UserState != nil {
		if d.UserState.NextBid != nil {
			snap.NextBid = *d.UserState.NextBid
		}
		if d.UserState.IsWinning != nil {
			snap.IsWinning = *d.UserState.IsWinning
		}
		if d.UserState.IsWatching != nil {
			snap.IsWatching = *d.UserState.IsWatching
		}
	}
	snap.ObservedAt = time.Now()
	snap.Source = auction.SourceStream
	w.cur = snap
	w.mu.Unlock()

	s.sink(Update{AuctionID: w.id, Snapshot: snap})
}

func (s *EventStream) applyClosed(w *watch) {
	w.mu.Lock()
	snap := w.cur
	snap.ID = w.id
	snap.IsClosed = true
	snap.ObservedAt = time.Now()
	snap.Source = auction.SourceStream
	w.cur = snap
	w.mu.Unlock()

	s.logger.Info("auction closed via stream", zap.String("auction_id", w.id))
	s.sink(Update{AuctionID: w.id, Snapshot: snap})
}

func (s *EventStream) setHealth(w *watch, healthy bool) {
	w.mu.Lock()
	changed := w.unhealthy == healthy
	w.unhealthy = !healthy
	w.mu.Unlock()

	if changed && s.onHealth != nil {
		s.onHealth(w.id, healthy)
	}
}

func (w *watch) armIdle(d time.Duration, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idle != nil {
		w.idle.Stop()
	}
	w.idle = time.AfterFunc(d, cancel)
}

func (w *watch) touchIdle(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idle != nil {
		w.idle.Reset(d)
	}
}

func (w *watch) stopIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idle != nil {
		w.idle.Stop()
		w.idle = nil
	}
}
