package pipeline

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	domerrors "github.com/davidleathers/auction-monitor-backend/internal/domain/errors"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/upstream"
)

// failureSkipAfter is the consecutive-failure count after which an
// auction is skipped for a full cycle.
const failureSkipAfter = 3

// PollingQueue polls a set of auctions in due-time order with a single
// worker. A global limiter enforces minimum spacing between upstream
// fetches regardless of queue length.
type PollingQueue struct {
	fetcher upstream.Fetcher
	sink    Sink
	logger  *zap.Logger

	interval        time.Duration
	endGameInterval time.Duration
	breakerCooldown time.Duration
	spacing         *rate.Limiter

	mu      sync.Mutex
	entries map[string]*pollEntry
	queue   pollHeap
	wake    chan struct{}
}

type pollEntry struct {
	id       string
	due      time.Time
	interval time.Duration
	failures int
	index    int
	removed  bool
}

// NewPollingQueue builds the queue. cooldown is applied when the wrapped
// client reports an open circuit.
func NewPollingQueue(fetcher upstream.Fetcher, cfg *config.PipelineConfig, cooldown time.Duration, sink Sink, logger *zap.Logger) *PollingQueue {
	q := &PollingQueue{
		fetcher:         fetcher,
		sink:            sink,
		logger:          logger,
		interval:        cfg.PollInterval,
		endGameInterval: cfg.EndGameInterval,
		breakerCooldown: cooldown,
		spacing:         rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		entries:         make(map[string]*pollEntry),
		wake:            make(chan struct{}, 1),
	}
	return q
}

// Add enrolls an auction; the first poll is due immediately. Adding an
// already-tracked id is a no-op.
func (q *PollingQueue) Add(id string) {
	q.mu.Lock()
	if _, ok := q.entries[id]; ok {
		q.mu.Unlock()
		return
	}
	e := &pollEntry{id: id, due: time.Now(), interval: q.interval}
	q.entries[id] = e
	heap.Push(&q.queue, e)
	q.mu.Unlock()

	q.logger.Debug("polling enrolled", zap.String("auction_id", id))
	q.kick()
}

// Remove withdraws an auction. An in-flight fetch for it completes and
// is still delivered, but the id is not re-enqueued.
func (q *PollingQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return
	}
	delete(q.entries, id)
	e.removed = true
	if e.index >= 0 {
		heap.Remove(&q.queue, e.index)
	}
}

// Contains reports whether the id is currently tracked.
func (q *PollingQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[id]
	return ok
}

func (q *PollingQueue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run is the single polling worker. It exits when ctx is cancelled.
func (q *PollingQueue) Run(ctx context.Context) {
	q.logger.Info("polling queue started",
		zap.Duration("interval", q.interval),
		zap.Duration("end_game_interval", q.endGameInterval))

	for {
		e, wait, ok := q.next()
		if !ok {
			// Nothing queued; sleep until enrollment or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		if !q.claim(e) {
			continue // removed or rescheduled while we slept
		}

		if err := q.spacing.Wait(ctx); err != nil {
			return
		}
		q.poll(ctx, e)
	}
}

// next peeks the head of the queue without removing it.
func (q *PollingQueue) next() (*pollEntry, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue.Len() == 0 {
		return nil, 0, false
	}
	e := q.queue[0]
	return e, time.Until(e.due), true
}

// claim pops e if it is still the due head.
func (q *PollingQueue) claim(e *pollEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.removed || e.index != 0 || q.queue.Len() == 0 || q.queue[0] != e {
		return false
	}
	if time.Now().Before(e.due) {
		return false
	}
	heap.Pop(&q.queue)
	return true
}

// poll fetches one auction and reschedules it.
func (q *PollingQueue) poll(ctx context.Context, e *pollEntry) {
	snap, err := q.fetcher.FetchAuction(ctx, e.id)
	now := time.Now()

	if err == nil {
		snap.Source = auction.SourcePolling
		e.failures = 0
		if snap.EndGame(now) {
			e.interval = q.endGameInterval
		} else {
			e.interval = q.interval
		}
		q.reschedule(e, now.Add(e.interval))
		q.sink(Update{AuctionID: e.id, Snapshot: snap})
		return
	}

	switch domerrors.TypeOf(err) {
	case domerrors.ErrorTypeCircuitOpen:
		// Transient by policy: hold the id for a full breaker cooldown.
		q.logger.Debug("poll deferred, circuit open",
			zap.String("auction_id", e.id),
			zap.Duration("cooldown", q.breakerCooldown))
		q.reschedule(e, now.Add(q.breakerCooldown))
	case domerrors.ErrorTypeRateLimited:
		q.reschedule(e, now.Add(e.interval))
	default:
		e.failures++
		q.logger.Warn("poll failed",
			zap.String("auction_id", e.id),
			zap.Int("consecutive", e.failures),
			zap.Error(err))
		if e.failures >= failureSkipAfter {
			e.failures = 0
			q.reschedule(e, now.Add(e.interval*failureSkipAfter))
		} else {
			q.reschedule(e, now.Add(e.interval))
		}
	}
}

// reschedule re-enqueues e unless it was removed mid-flight.
func (q *PollingQueue) reschedule(e *pollEntry, due time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.removed {
		return
	}
	e.due = due
	heap.Push(&q.queue, e)
}

// pollHeap orders entries by due time.
type pollHeap []*pollEntry

func (h pollHeap) Len() int           { return len(h) }
func (h pollHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h pollHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pollHeap) Push(x any) {
	e := x.(*pollEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
