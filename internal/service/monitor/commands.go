package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	domerrors "github.com/davidleathers/auction-monitor-backend/internal/domain/errors"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/store"
)

// StartMonitoring enrolls an auction and begins delivering updates.
func (c *Coordinator) StartMonitoring(ctx context.Context, id string, cfg *auction.Config, meta *auction.Metadata) (*auction.Auction, error) {
	if cfg == nil {
		return nil, domerrors.NewValidationError("MISSING_CONFIG", "config is required")
	}
	conf := *cfg
	conf.Normalize(c.settingsSnapshot())
	if err := c.validateConfig(conf); err != nil {
		return nil, err
	}

	m := auction.Metadata{}
	if meta != nil {
		m = *meta
	}

	c.mu.Lock()
	if _, exists := c.auctions[id]; exists {
		c.mu.Unlock()
		return nil, domerrors.NewConflictError("auction is already monitored")
	}
	a := auction.New(id, conf, m)
	c.auctions[id] = a
	clone := a.Clone()
	c.mu.Unlock()

	c.persist(ctx, clone)
	c.router.Enroll(id)
	c.hub.BroadcastAuctionState(clone)
	c.logger.Info("monitoring started",
		zap.String("auction_id", id),
		zap.String("strategy", string(conf.Strategy)),
		zap.Int("max_bid", conf.MaxBid))
	return clone, nil
}

// StopMonitoring withdraws the auction and deletes its record.
func (c *Coordinator) StopMonitoring(ctx context.Context, id string) error {
	c.mu.Lock()
	_, ok := c.auctions[id]
	delete(c.auctions, id)
	c.mu.Unlock()
	if !ok {
		return domerrors.NewNotFoundError("auction is not monitored")
	}

	c.router.Withdraw(id)
	c.engine.Forget(id)
	if err := c.store.Delete(ctx, store.AuctionKey(id)); err != nil {
		c.logger.Warn("deleting auction record failed",
			zap.String("auction_id", id), zap.Error(err))
	}
	c.logger.Info("monitoring stopped", zap.String("auction_id", id))
	return nil
}

// UpdateConfig replaces the auction's bidding configuration. Raising the
// ceiling re-arms the max-bid notification.
func (c *Coordinator) UpdateConfig(ctx context.Context, id string, cfg *auction.Config) (*auction.Auction, error) {
	if cfg == nil {
		return nil, domerrors.NewValidationError("MISSING_CONFIG", "config is required")
	}
	conf := *cfg
	conf.Normalize(c.settingsSnapshot())
	if err := c.validateConfig(conf); err != nil {
		return nil, err
	}

	c.mu.Lock()
	a, ok := c.auctions[id]
	if !ok {
		c.mu.Unlock()
		return nil, domerrors.NewNotFoundError("auction is not monitored")
	}
	if conf.MaxBid > a.Config.MaxBid {
		a.MaxBidNotified = false
	}
	a.Config = conf
	gs := c.settings
	clone := a.Clone()
	c.mu.Unlock()

	c.persist(ctx, clone)
	c.hub.BroadcastAuctionState(clone)
	c.evaluateStrategy(ctx, clone, gs, time.Now())
	return clone, nil
}

// PlaceBid submits a manual bid, clamped to the configured ceiling.
func (c *Coordinator) PlaceBid(ctx context.Context, id string, amount int) error {
	c.mu.Lock()
	a, ok := c.auctions[id]
	if !ok {
		c.mu.Unlock()
		return domerrors.NewNotFoundError("auction is not monitored")
	}
	if a.State.Terminal() {
		c.mu.Unlock()
		return domerrors.NewConflictError("auction has ended")
	}
	maxBid := a.Config.MaxBid
	c.mu.Unlock()

	if amount > maxBid {
		amount = maxBid
	}
	if !c.engine.Execute(ctx, id, amount, auction.StrategyManual) {
		return domerrors.NewConflictError("a bid is already in flight")
	}
	return nil
}

// MonitoredAuctions returns copies of every live auction, stable by id.
func (c *Coordinator) MonitoredAuctions(context.Context) []*auction.Auction {
	c.mu.Lock()
	out := make([]*auction.Auction, 0, len(c.auctions))
	for _, a := range c.auctions {
		out = append(out, a.Clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Settings returns the current global settings.
func (c *Coordinator) Settings(context.Context) auction.GlobalSettings {
	return c.settingsSnapshot()
}

// UpdateSettings validates, stores and applies new global settings.
func (c *Coordinator) UpdateSettings(ctx context.Context, gs *auction.GlobalSettings) (auction.GlobalSettings, error) {
	if gs == nil {
		return auction.GlobalSettings{}, domerrors.NewValidationError("MISSING_SETTINGS", "settings are required")
	}
	if err := c.validate.Struct(gs); err != nil {
		return auction.GlobalSettings{}, domerrors.NewValidationError("INVALID_SETTINGS", err.Error())
	}

	c.mu.Lock()
	c.settings = *gs
	c.mu.Unlock()

	if data, err := json.Marshal(gs); err == nil {
		if err := c.store.Set(ctx, store.KeySettings, data, 0); err != nil {
			c.logger.Warn("persisting settings failed", zap.Error(err))
		}
	}
	c.logger.Info("settings updated",
		zap.Int("default_max_bid", gs.DefaultMaxBid),
		zap.String("default_strategy", string(gs.DefaultStrategy)))
	return *gs, nil
}

// SetCookies applies fresh session cookies to the upstream client and
// stores them encrypted.
func (c *Coordinator) SetCookies(ctx context.Context, cookies string) error {
	if cookies == "" {
		return domerrors.NewValidationError("MISSING_COOKIES", "cookies are required")
	}
	c.cookies.SetCookies(cookies)

	sealed, err := c.cipher.Encrypt(cookies)
	if err != nil {
		return domerrors.NewInternalError("encrypting cookies failed").WithCause(err)
	}
	if err := c.store.Set(ctx, store.KeyCookies, []byte(sealed), store.TTLCookies); err != nil {
		return domerrors.NewStoreError("storing cookies failed").WithCause(err)
	}
	c.logger.Info("session cookies updated")
	return nil
}

// BidHistory returns the persisted bid records for an auction, oldest
// first.
func (c *Coordinator) BidHistory(ctx context.Context, id string) ([]auction.BidRecord, error) {
	raws, err := c.store.ListSorted(ctx, store.BidHistoryKey(id))
	if err != nil {
		return nil, domerrors.NewStoreError("loading bid history failed").WithCause(err)
	}
	records := make([]auction.BidRecord, 0, len(raws))
	for _, raw := range raws {
		var rec auction.BidRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *Coordinator) validateConfig(conf auction.Config) error {
	if !conf.Strategy.Valid() {
		return domerrors.NewValidationError("INVALID_STRATEGY", "unrecognized strategy")
	}
	if conf.MaxBid > auction.MaxBidCeiling {
		return domerrors.NewValidationError("MAX_BID_TOO_HIGH", "maxBid exceeds the hard ceiling")
	}
	if err := c.validate.Struct(conf); err != nil {
		return domerrors.NewValidationError("INVALID_CONFIG", err.Error())
	}
	return nil
}
