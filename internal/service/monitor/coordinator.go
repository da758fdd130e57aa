// Package monitor hosts the coordinator that owns the live auction
// table. It is the single mutator: pipeline updates, strategy outcomes
// and client commands all funnel through it, and every accepted change
// is persisted before it is broadcast.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/api/websocket"
	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/auth"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/store"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/upstream"
	"github.com/davidleathers/auction-monitor-backend/internal/metrics"
	"github.com/davidleathers/auction-monitor-backend/internal/service/pipeline"
	"github.com/davidleathers/auction-monitor-backend/internal/service/strategy"
)

// Broadcaster fans coordinator events out to connected clients.
type Broadcaster interface {
	BroadcastAuctionState(a *auction.Auction)
	BroadcastNotification(nt websocket.NotificationType, auctionID, message string)
}

// CookieSetter receives the raw session cookies for upstream requests.
type CookieSetter interface {
	SetCookies(cookies string)
}

// Router is the slice of pipeline.Router the coordinator drives.
type Router interface {
	Enroll(id string)
	Withdraw(id string)
	Active(id string) (auction.Source, bool)
}

// Coordinator owns the auction table and serializes all mutations.
type Coordinator struct {
	cfg      *config.Config
	store    store.Store
	engine   *strategy.Engine
	hub      Broadcaster
	router   Router
	cipher   *auth.CookieCipher
	cookies  CookieSetter
	metrics  *metrics.Registry
	validate *validator.Validate
	logger   *zap.Logger

	mu       sync.Mutex
	auctions map[string]*auction.Auction
	settings auction.GlobalSettings

	updates chan pipeline.Update
	reEval  chan string
	purge   chan string
}

// New builds the coordinator. The router is attached afterwards via
// SetRouter because its sink is the coordinator itself.
func New(cfg *config.Config, st store.Store, engine *strategy.Engine, hub Broadcaster, cipher *auth.CookieCipher, cookies CookieSetter, m *metrics.Registry, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		hub:      hub,
		cipher:   cipher,
		cookies:  cookies,
		metrics:  m,
		validate: validator.New(),
		logger:   logger,
		auctions: make(map[string]*auction.Auction),
		settings: auction.DefaultSettings(),
		updates:  make(chan pipeline.Update, 256),
		reEval:   make(chan string, 64),
		purge:    make(chan string, 64),
	}
}

// SetRouter attaches the update router. Must happen before Run.
func (c *Coordinator) SetRouter(r Router) {
	c.router = r
}

// Sink receives snapshot updates from the pipelines. On overflow the
// oldest queued snapshot is dropped, never the newest: snapshots are
// self-contained and the monotonic merge makes a fresher one for the
// same auction strictly better.
func (c *Coordinator) Sink(u pipeline.Update) {
	for {
		select {
		case c.updates <- u:
			return
		default:
		}
		select {
		case old := <-c.updates:
			c.metrics.SnapshotErrors.Add(context.Background(), 1, metrics.WithAuction(old.AuctionID))
			c.logger.Warn("update queue full, dropping oldest snapshot",
				zap.String("auction_id", old.AuctionID))
		default:
		}
	}
}

// Run drains updates, bid outcomes and timers until ctx is cancelled,
// then flushes state for a clean shutdown.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case u := <-c.updates:
			c.handleUpdate(ctx, u)
		case o := <-c.engine.Outcomes():
			c.handleOutcome(ctx, o)
		case id := <-c.reEval:
			c.reevaluate(ctx, id)
		case id := <-c.purge:
			c.purgeAuction(ctx, id)
		}
	}
}

func (c *Coordinator) handleUpdate(ctx context.Context, u pipeline.Update) {
	c.mu.Lock()
	a, ok := c.auctions[u.AuctionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasWinning := a.Current.IsWinning
	if !a.ApplySnapshot(u.Snapshot) {
		c.mu.Unlock()
		c.logger.Debug("stale snapshot discarded",
			zap.String("auction_id", u.AuctionID),
			zap.String("source", string(u.Snapshot.Source)))
		return
	}
	now := time.Now()
	tr, transitioned := a.AdvanceState(now)
	gs := c.settings
	clone := a.Clone()
	c.mu.Unlock()

	c.metrics.RecordSnapshot(ctx, clone.ID, string(clone.Source))
	c.persist(ctx, clone)
	c.hub.BroadcastAuctionState(clone)

	if wasWinning && !clone.Current.IsWinning && !clone.State.Terminal() {
		c.hub.BroadcastNotification(websocket.NotifyOutbid, clone.ID, "you have been outbid")
	}
	if transitioned {
		c.logger.Info("auction state changed",
			zap.String("auction_id", clone.ID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)))
		if tr.To == auction.StateEnded {
			c.onEnded(clone)
			return
		}
	}
	c.evaluateStrategy(ctx, clone, gs, now)
}

// onEnded withdraws the auction from the pipelines and schedules its
// removal from the live table.
func (c *Coordinator) onEnded(a *auction.Auction) {
	won := a.Current.IsWinning
	msg := "auction ended"
	if won {
		msg = "auction ended, you won"
	}
	c.hub.BroadcastNotification(websocket.NotifyAuctionEnded, a.ID, msg)
	c.router.Withdraw(a.ID)

	id := a.ID
	time.AfterFunc(auction.PurgeDelay, func() {
		select {
		case c.purge <- id:
		default:
		}
	})
}

func (c *Coordinator) purgeAuction(ctx context.Context, id string) {
	c.mu.Lock()
	a, ok := c.auctions[id]
	if !ok || a.State != auction.StateEnded {
		c.mu.Unlock()
		return
	}
	a.State = auction.StateTerminated
	clone := a.Clone()
	delete(c.auctions, id)
	c.mu.Unlock()

	// The store record remains until its TTL expires.
	c.persist(ctx, clone)
	c.engine.Forget(id)
	c.logger.Info("auction purged from live table", zap.String("auction_id", id))
}

func (c *Coordinator) handleOutcome(ctx context.Context, o strategy.Outcome) {
	rec := o.Record

	c.mu.Lock()
	a, ok := c.auctions[o.AuctionID]
	var clone *auction.Auction
	if ok {
		a.LastBid = &rec
		clone = a.Clone()
	}
	c.mu.Unlock()

	if raw, err := json.Marshal(rec); err == nil {
		if err := c.store.AppendSorted(ctx, store.BidHistoryKey(o.AuctionID), rec.Time.UnixMilli(), raw); err != nil {
			c.logger.Warn("persisting bid record failed",
				zap.String("auction_id", o.AuctionID), zap.Error(err))
		}
	}

	if clone != nil {
		c.persist(ctx, clone)
		c.hub.BroadcastAuctionState(clone)
	}

	switch {
	case o.Err != nil:
		c.hub.BroadcastNotification(websocket.NotifyBidError, o.AuctionID, rec.Error)
	case !rec.Success:
		c.hub.BroadcastNotification(websocket.NotifyBidError, o.AuctionID, rec.Error)
	case o.Result.Status == upstream.BidAcceptedOutbid:
		c.hub.BroadcastNotification(websocket.NotifyOutbid, o.AuctionID, "bid accepted but immediately outbid")
	}

	if o.RetryAfter > 0 {
		id := o.AuctionID
		time.AfterFunc(o.RetryAfter, func() {
			select {
			case c.reEval <- id:
			default:
			}
		})
	}
}

func (c *Coordinator) reevaluate(ctx context.Context, id string) {
	c.mu.Lock()
	a, ok := c.auctions[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	gs := c.settings
	clone := a.Clone()
	c.mu.Unlock()

	c.evaluateStrategy(ctx, clone, gs, time.Now())
}

// evaluateStrategy runs the bid decision and latches the one-shot
// max-bid notification.
func (c *Coordinator) evaluateStrategy(ctx context.Context, clone *auction.Auction, gs auction.GlobalSettings, now time.Time) {
	if clone.State.Terminal() {
		return
	}
	d := c.engine.Evaluate(ctx, clone, gs, now)
	if !d.MaxReached || clone.MaxBidNotified {
		return
	}

	c.mu.Lock()
	a, ok := c.auctions[clone.ID]
	if !ok || a.MaxBidNotified {
		c.mu.Unlock()
		return
	}
	a.MaxBidNotified = true
	latched := a.Clone()
	c.mu.Unlock()

	c.metrics.MaxBidReached.Add(ctx, 1, metrics.WithAuction(clone.ID))
	c.persist(ctx, latched)
	c.hub.BroadcastNotification(websocket.NotifyMaxBidReached, clone.ID,
		"next bid exceeds the configured maximum")
}

// persist writes the auction record with a refreshed TTL.
func (c *Coordinator) persist(ctx context.Context, a *auction.Auction) {
	data, err := json.Marshal(a)
	if err != nil {
		c.logger.Error("marshaling auction failed",
			zap.String("auction_id", a.ID), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, store.AuctionKey(a.ID), data, store.TTLAuction); err != nil {
		c.logger.Warn("persisting auction failed",
			zap.String("auction_id", a.ID), zap.Error(err))
	}
}

// flush persists the whole table and drops a clean-shutdown marker.
func (c *Coordinator) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
	defer cancel()

	c.mu.Lock()
	clones := make([]*auction.Auction, 0, len(c.auctions))
	for _, a := range c.auctions {
		clones = append(clones, a.Clone())
	}
	c.mu.Unlock()

	for _, a := range clones {
		c.persist(ctx, a)
	}
	c.writeSystemState(ctx, true)
	c.logger.Info("coordinator flushed", zap.Int("auctions", len(clones)))
}

func (c *Coordinator) settingsSnapshot() auction.GlobalSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}
