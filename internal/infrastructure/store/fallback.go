package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/metrics"
)

const probeInterval = 15 * time.Second

// fallbackStore wraps the Redis backend with automatic in-memory
// degradation: a backend failure flips writes and reads to memory, and a
// background probe flips back once the backend answers again. Records
// written while degraded live only in memory; the backend's TTLs mean a
// short outage loses nothing that cannot be re-fetched upstream.
type fallbackStore struct {
	cfg     *config.StoreConfig
	metrics *metrics.Registry
	logger  *zap.Logger
	memory  *memoryStore

	mu       sync.RWMutex
	primary  *redisStore // nil while the backend is unreachable
	degraded bool

	stopProbe chan struct{}
	probeOnce sync.Once
}

func newFallbackStore(primary *redisStore, cfg *config.StoreConfig, m *metrics.Registry, logger *zap.Logger) *fallbackStore {
	f := &fallbackStore{
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		memory:    newMemoryStore(),
		primary:   primary,
		degraded:  primary == nil,
		stopProbe: make(chan struct{}),
	}
	go f.probeLoop()
	return f
}

// backend returns the primary store if it should be used.
func (f *fallbackStore) backend() *redisStore {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.degraded {
		return nil
	}
	return f.primary
}

// degrade flips to memory-only after a backend failure.
func (f *fallbackStore) degrade(err error) {
	f.mu.Lock()
	already := f.degraded
	f.degraded = true
	f.mu.Unlock()

	if !already {
		f.metrics.StoreDegradations.Add(context.Background(), 1)
		f.logger.Warn("store degraded to memory-only", zap.Error(err))
	}
}

func (f *fallbackStore) probeLoop() {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopProbe:
			return
		case <-ticker.C:
			f.probe()
		}
	}
}

func (f *fallbackStore) probe() {
	f.mu.RLock()
	degraded := f.degraded
	primary := f.primary
	f.mu.RUnlock()
	if !degraded {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.DialTimeout)
	defer cancel()

	if primary == nil {
		rs, err := newRedisStore(f.cfg, f.logger)
		if err != nil {
			return
		}
		primary = rs
	} else if err := primary.ping(ctx); err != nil {
		return
	}

	f.mu.Lock()
	f.primary = primary
	f.degraded = false
	f.mu.Unlock()
	f.logger.Info("backing store recovered, leaving degraded mode")
}

func (f *fallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	if p := f.backend(); p != nil {
		val, err := p.Get(ctx, key)
		if err == nil || IsNotFound(err) {
			return val, err
		}
		f.degrade(err)
	}
	return f.memory.Get(ctx, key)
}

func (f *fallbackStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if p := f.backend(); p != nil {
		if err := p.Set(ctx, key, value, ttl); err == nil {
			return nil
		} else {
			f.degrade(err)
		}
	}
	return f.memory.Set(ctx, key, value, ttl)
}

func (f *fallbackStore) Delete(ctx context.Context, key string) error {
	if p := f.backend(); p != nil {
		if err := p.Delete(ctx, key); err != nil {
			f.degrade(err)
		}
	}
	return f.memory.Delete(ctx, key)
}

func (f *fallbackStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if p := f.backend(); p != nil {
		out, err := p.List(ctx, prefix)
		if err == nil {
			return out, nil
		}
		f.degrade(err)
	}
	return f.memory.List(ctx, prefix)
}

func (f *fallbackStore) AppendSorted(ctx context.Context, key string, score int64, value []byte) error {
	if p := f.backend(); p != nil {
		if err := p.AppendSorted(ctx, key, score, value); err == nil {
			return nil
		} else {
			f.degrade(err)
		}
	}
	return f.memory.AppendSorted(ctx, key, score, value)
}

func (f *fallbackStore) ListSorted(ctx context.Context, key string) ([][]byte, error) {
	if p := f.backend(); p != nil {
		out, err := p.ListSorted(ctx, key)
		if err == nil {
			return out, nil
		}
		f.degrade(err)
	}
	return f.memory.ListSorted(ctx, key)
}

func (f *fallbackStore) Health() Health {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.degraded {
		return HealthDegraded
	}
	if f.primary == nil {
		return HealthDegraded
	}
	return HealthHealthy
}

func (f *fallbackStore) Close() error {
	f.probeOnce.Do(func() { close(f.stopProbe) })

	f.mu.RLock()
	primary := f.primary
	f.mu.RUnlock()
	if primary != nil {
		return primary.Close()
	}
	return nil
}
