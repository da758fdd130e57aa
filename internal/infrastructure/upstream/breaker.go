package upstream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	domerrors "github.com/davidleathers/auction-monitor-backend/internal/domain/errors"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
)

// BreakerState is the circuit breaker's state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChange is emitted on every breaker transition.
type StateChange struct {
	From BreakerState
	To   BreakerState
}

// Breaker decorates a Fetcher with circuit breaking. Transport errors
// and upstream 5xx count as failures; local rate limiting and logical
// 4xx rejections do not. After the cooldown a single probe call is let
// through; its result decides between Closed and another Open period.
type Breaker struct {
	inner    Fetcher
	logger   *zap.Logger
	onChange func(StateChange)

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker wraps inner with the configured thresholds. onChange may be
// nil; when set it is invoked synchronously on every transition.
func NewBreaker(inner Fetcher, cfg *config.BreakerConfig, logger *zap.Logger, onChange func(StateChange)) *Breaker {
	return &Breaker{
		inner:     inner,
		logger:    logger,
		onChange:  onChange,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) FetchAuction(ctx context.Context, id string) (auction.Snapshot, error) {
	if err := b.allow(); err != nil {
		return auction.Snapshot{}, err
	}
	snap, err := b.inner.FetchAuction(ctx, id)
	b.record(err)
	return snap, err
}

func (b *Breaker) PlaceBid(ctx context.Context, id string, amount int) (BidOutcome, error) {
	if err := b.allow(); err != nil {
		return BidOutcome{}, err
	}
	outcome, err := b.inner.PlaceBid(ctx, id, amount)
	b.record(err)
	return outcome, err
}

// allow decides whether a call may proceed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return domerrors.NewCircuitOpenError("upstream circuit open")
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return domerrors.NewCircuitOpenError("upstream circuit probing")
		}
		b.probing = true
		return nil
	}
	return nil
}

// record updates breaker state from a call result. Errors that are not
// breaker failures (rate limiting, rejections) are neutral: they neither
// trip nor reset the circuit.
func (b *Breaker) record(err error) {
	failure := err != nil && domerrors.IsBreakerFailure(err)
	neutral := err != nil && !failure

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		switch {
		case failure:
			b.failures++
			if b.failures >= b.threshold {
				b.open()
			}
		case neutral:
			// no change
		default:
			b.failures = 0
		}
	case BreakerHalfOpen:
		b.probing = false
		switch {
		case failure:
			b.open()
		case neutral:
			// probe inconclusive, allow another
		default:
			b.failures = 0
			b.transition(BreakerClosed)
		}
	}
}

// open must be called with the lock held.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.failures = 0
	b.transition(BreakerOpen)
}

// transition must be called with the lock held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if b.onChange != nil {
		b.onChange(StateChange{From: from, To: to})
	}
}
