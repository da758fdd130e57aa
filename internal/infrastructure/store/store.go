package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/metrics"
)

// Key namespaces and TTLs for the persisted state layout.
const (
	KeyCookies     = "auth:cookies"
	KeySettings    = "settings"
	KeySystemState = "system:state"

	auctionPrefix    = "auction:"
	bidHistoryPrefix = "bid_history:"

	TTLAuction    = time.Hour
	TTLCookies    = 24 * time.Hour
	TTLBidHistory = 7 * 24 * time.Hour

	// BidHistoryCap bounds the per-auction sorted history.
	BidHistoryCap = 100
)

// AuctionKey returns the store key for a monitored auction record.
func AuctionKey(id string) string {
	return auctionPrefix + id
}

// AuctionPrefix is the List prefix covering all auction records.
func AuctionPrefix() string {
	return auctionPrefix
}

// BidHistoryKey returns the store key for an auction's bid history.
func BidHistoryKey(id string) string {
	return bidHistoryPrefix + id
}

// Health reports the persistence layer's condition.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthDown
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// KeyNotFoundError indicates a missing key.
type KeyNotFoundError struct {
	Key string
}

func (e KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	_, ok := err.(KeyNotFoundError)
	return ok
}

// Store is the durable key/value persistence layer. Values are opaque
// byte payloads; callers own serialization.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// List returns all key/value pairs under the given prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// AppendSorted appends value under key ordered by score (ms
	// timestamp), trims to BidHistoryCap newest entries, and refreshes
	// the history TTL.
	AppendSorted(ctx context.Context, key string, score int64, value []byte) error

	// ListSorted returns the sorted-set values in ascending score order.
	ListSorted(ctx context.Context, key string) ([][]byte, error)

	Health() Health
	Close() error
}

// New builds the store from configuration: a Redis backend wrapped with
// in-memory degradation when a URL is configured, a pure in-memory store
// otherwise. An unreachable backend with the fallback disabled is a
// startup failure.
func New(cfg *config.StoreConfig, m *metrics.Registry, logger *zap.Logger) (Store, error) {
	if cfg.URL == "" {
		logger.Warn("no store url configured, running memory-only")
		return newMemoryStore(), nil
	}

	rs, err := newRedisStore(cfg, logger)
	if err != nil {
		if !cfg.MemoryFallback {
			return nil, fmt.Errorf("store unreachable and memory fallback disabled: %w", err)
		}
		logger.Warn("backing store unreachable, starting degraded",
			zap.String("url", cfg.URL), zap.Error(err))
		return newFallbackStore(nil, cfg, m, logger), nil
	}

	if !cfg.MemoryFallback {
		return rs, nil
	}
	return newFallbackStore(rs, cfg, m, logger), nil
}
