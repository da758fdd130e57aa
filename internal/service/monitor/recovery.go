package monitor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/store"
)

// systemState is the persisted shutdown marker consulted at startup.
type systemState struct {
	CleanShutdown bool      `json:"cleanShutdown"`
	Timestamp     time.Time `json:"timestamp"`
}

// Recover restores settings, session cookies and live auctions from the
// store and re-enrolls them with the pipelines. Ended auctions are left
// to their TTL. Called once before Run.
func (c *Coordinator) Recover(ctx context.Context) error {
	c.checkLastShutdown(ctx)
	c.writeSystemState(ctx, false)
	c.recoverSettings(ctx)
	c.recoverCookies(ctx)
	return c.recoverAuctions(ctx)
}

func (c *Coordinator) checkLastShutdown(ctx context.Context) {
	raw, err := c.store.Get(ctx, store.KeySystemState)
	if err != nil {
		if !store.IsNotFound(err) {
			c.logger.Warn("reading shutdown marker failed", zap.Error(err))
		}
		return
	}
	var st systemState
	if err := json.Unmarshal(raw, &st); err != nil {
		return
	}
	if !st.CleanShutdown {
		c.logger.Warn("previous shutdown was not clean",
			zap.Time("last_marker", st.Timestamp))
	}
}

func (c *Coordinator) writeSystemState(ctx context.Context, clean bool) {
	data, err := json.Marshal(systemState{CleanShutdown: clean, Timestamp: time.Now()})
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, store.KeySystemState, data, 0); err != nil {
		c.logger.Warn("writing shutdown marker failed", zap.Error(err))
	}
}

func (c *Coordinator) recoverSettings(ctx context.Context) {
	raw, err := c.store.Get(ctx, store.KeySettings)
	if err != nil {
		if !store.IsNotFound(err) {
			c.logger.Warn("loading settings failed", zap.Error(err))
		}
		return
	}
	var gs auction.GlobalSettings
	if err := json.Unmarshal(raw, &gs); err != nil {
		c.logger.Warn("stored settings are malformed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.settings = gs
	c.mu.Unlock()
	c.logger.Info("settings restored")
}

func (c *Coordinator) recoverCookies(ctx context.Context) {
	raw, err := c.store.Get(ctx, store.KeyCookies)
	if err != nil {
		if !store.IsNotFound(err) {
			c.logger.Warn("loading cookies failed", zap.Error(err))
		}
		return
	}
	cookies, err := c.cipher.Decrypt(string(raw))
	if err != nil {
		c.logger.Warn("stored cookies cannot be decrypted, dropping them", zap.Error(err))
		c.store.Delete(ctx, store.KeyCookies)
		return
	}
	c.cookies.SetCookies(cookies)
	c.logger.Info("session cookies restored")
}

func (c *Coordinator) recoverAuctions(ctx context.Context) error {
	entries, err := c.store.List(ctx, store.AuctionPrefix())
	if err != nil {
		return err
	}

	restored := 0
	for key, raw := range entries {
		var a auction.Auction
		if err := json.Unmarshal(raw, &a); err != nil {
			c.logger.Warn("skipping malformed auction record",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if a.ID == "" || a.State.Terminal() {
			continue
		}

		c.mu.Lock()
		c.auctions[a.ID] = &a
		c.mu.Unlock()

		c.router.Enroll(a.ID)
		restored++
	}

	if restored > 0 {
		c.logger.Info("auctions restored", zap.Int("count", restored))
	}
	return nil
}
