package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/upstream"
)

// SwitchFunc observes pipeline failovers for an auction.
type SwitchFunc func(auctionID string, to auction.Source)

// Router owns both snapshot sources and keeps exactly one active per
// auction. With the stream enabled it is preferred; when the stream
// reports an auction unhealthy the router enrolls it in the polling
// queue, and the stream keeps reconnecting in the background as a
// probe. A later healthy signal switches back and withdraws the id
// from polling. Updates from both sources are forwarded as-is; stale
// ones are discarded downstream by the snapshot merge.
type Router struct {
	stream   *EventStream
	polling  *PollingQueue
	sink     Sink
	onSwitch SwitchFunc
	logger   *zap.Logger

	useStream  bool
	usePolling bool

	ctx context.Context

	mu     sync.Mutex
	routes map[string]*route
}

type route struct {
	active auction.Source
}

// NewRouter builds the router and its sources. ctx bounds the lifetime
// of every stream subscription and the polling worker, so auctions can
// be enrolled as soon as the router exists, before Run. cooldown is the
// breaker cooldown applied to deferred polls.
func NewRouter(ctx context.Context, upstreamCfg *config.UpstreamConfig, pipeCfg *config.PipelineConfig, cooldown time.Duration, fetcher upstream.Fetcher, cookies func() string, sink Sink, logger *zap.Logger) *Router {
	r := &Router{
		ctx:        ctx,
		sink:       sink,
		logger:     logger,
		useStream:  pipeCfg.UseStream,
		usePolling: pipeCfg.UsePollingQueue,
		routes:     make(map[string]*route),
	}
	if r.usePolling {
		r.polling = NewPollingQueue(fetcher, pipeCfg, cooldown, r.forward, logger.Named("polling"))
	}
	if r.useStream {
		r.stream = NewEventStream(upstreamCfg, pipeCfg, fetcher, cookies, r.forward, r.handleHealth, logger.Named("stream"))
	}
	return r
}

// OnSwitch registers a failover observer. Must be called before Run.
func (r *Router) OnSwitch(fn SwitchFunc) {
	r.onSwitch = fn
}

// Run drives the polling worker and returns when the router's context
// is cancelled.
func (r *Router) Run() {
	if r.polling != nil {
		r.polling.Run(r.ctx)
		return
	}
	<-r.ctx.Done()
}

// Enroll begins delivering updates for the auction. The stream is the
// preferred source when enabled.
func (r *Router) Enroll(id string) {
	r.mu.Lock()
	if _, ok := r.routes[id]; ok {
		r.mu.Unlock()
		return
	}
	rt := &route{}
	if r.useStream {
		rt.active = auction.SourceStream
	} else {
		rt.active = auction.SourcePolling
	}
	r.routes[id] = rt
	r.mu.Unlock()

	if r.useStream {
		r.stream.Watch(r.ctx, id)
	} else {
		r.polling.Add(id)
	}
	r.logger.Info("auction enrolled",
		zap.String("auction_id", id),
		zap.String("source", string(rt.active)))
}

// Withdraw stops both sources for the auction. An in-flight poll still
// delivers its snapshot.
func (r *Router) Withdraw(id string) {
	r.mu.Lock()
	_, ok := r.routes[id]
	delete(r.routes, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.stream != nil {
		r.stream.Unwatch(id)
	}
	if r.polling != nil {
		r.polling.Remove(id)
	}
	r.logger.Info("auction withdrawn", zap.String("auction_id", id))
}

// Active returns the auction's current source.
func (r *Router) Active(id string) (auction.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[id]
	if !ok {
		return "", false
	}
	return rt.active, true
}

func (r *Router) forward(u Update) {
	r.mu.Lock()
	_, ok := r.routes[u.AuctionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.sink(u)
}

func (r *Router) handleHealth(id string, healthy bool) {
	r.mu.Lock()
	rt, ok := r.routes[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	var to auction.Source
	switch {
	case !healthy && rt.active == auction.SourceStream:
		if !r.usePolling {
			r.mu.Unlock()
			r.logger.Warn("stream unhealthy and polling disabled, staying on stream",
				zap.String("auction_id", id))
			return
		}
		rt.active = auction.SourcePolling
		to = auction.SourcePolling
	case healthy && rt.active == auction.SourcePolling:
		rt.active = auction.SourceStream
		to = auction.SourceStream
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if to == auction.SourcePolling {
		r.polling.Add(id)
	} else {
		r.polling.Remove(id)
	}
	r.logger.Info("pipeline switched",
		zap.String("auction_id", id),
		zap.String("to", string(to)))
	if r.onSwitch != nil {
		r.onSwitch(id, to)
	}
}
