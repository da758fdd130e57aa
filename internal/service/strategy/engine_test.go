package strategy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/upstream"
	"github.com/davidleathers/auction-monitor-backend/internal/metrics"
)

func testAuction(strat auction.Strategy, autoBid, winning bool, remaining time.Duration) *auction.Auction {
	now := time.Now()
	a := auction.New("A-1", auction.Config{
		MaxBid:       100,
		Strategy:     strat,
		AutoBid:      autoBid,
		BidIncrement: 1,
		SnipeSeconds: 30,
	}, auction.Metadata{Title: "Vintage Camera"})
	a.ApplySnapshot(auction.Snapshot{
		ID:         "A-1",
		CurrentBid: 50,
		NextBid:    51,
		BidCount:   10,
		IsWinning:  winning,
		CloseAt:    now.Add(remaining),
		ObservedAt: now,
	})
	return a
}

func TestDecide(t *testing.T) {
	now := time.Now()
	gs := auction.GlobalSettings{BidBuffer: 0}

	tests := []struct {
		name      string
		auction   *auction.Auction
		wantBid   bool
		wantMaxed bool
	}{
		{"manual never bids", testAuction(auction.StrategyManual, true, false, time.Minute), false, false},
		{"incremental without autobid", testAuction(auction.StrategyIncremental, false, false, time.Minute), false, false},
		{"incremental while winning", testAuction(auction.StrategyIncremental, true, true, time.Minute), false, false},
		{"incremental outbid", testAuction(auction.StrategyIncremental, true, false, time.Minute), true, false},
		{"sniping outside window", testAuction(auction.StrategySniping, true, false, time.Minute), false, false},
		{"sniping inside window", testAuction(auction.StrategySniping, true, false, 20*time.Second), true, false},
		{"sniping winning inside window", testAuction(auction.StrategySniping, true, true, 20*time.Second), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.auction, gs, 0, now)
			assert.Equal(t, tt.wantBid, d.Bid)
			assert.Equal(t, tt.wantMaxed, d.MaxReached)
			if d.Bid {
				assert.Equal(t, 51, d.Amount)
			}
		})
	}
}

func TestDecideAmount(t *testing.T) {
	now := time.Now()
	a := testAuction(auction.StrategyIncremental, true, false, time.Minute)

	t.Run("bid buffer is added", func(t *testing.T) {
		d := Decide(a, auction.GlobalSettings{BidBuffer: 3}, 0, now)
		require.True(t, d.Bid)
		assert.Equal(t, 54, d.Amount)
	})

	t.Run("last observed minimum wins over next bid", func(t *testing.T) {
		d := Decide(a, auction.GlobalSettings{}, 60, now)
		require.True(t, d.Bid)
		assert.Equal(t, 60, d.Amount)
	})

	t.Run("clamp at max bid", func(t *testing.T) {
		d := Decide(a, auction.GlobalSettings{}, 101, now)
		assert.False(t, d.Bid)
		assert.True(t, d.MaxReached)
	})

	t.Run("amount equal to max bid is allowed", func(t *testing.T) {
		d := Decide(a, auction.GlobalSettings{}, 100, now)
		require.True(t, d.Bid)
		assert.Equal(t, 100, d.Amount)
	})
}

func TestDecideTerminalStates(t *testing.T) {
	now := time.Now()
	a := testAuction(auction.StrategyIncremental, true, false, time.Minute)
	a.State = auction.StateEnded
	assert.False(t, Decide(a, auction.GlobalSettings{}, 0, now).Bid)

	closed := testAuction(auction.StrategyIncremental, true, false, time.Minute)
	closed.Current.IsClosed = true
	assert.False(t, Decide(closed, auction.GlobalSettings{}, 0, now).Bid)
}

// bidFetcher scripts PlaceBid for engine tests.
type bidFetcher struct {
	mu      sync.Mutex
	outcome upstream.BidOutcome
	err     error
	block   chan struct{}
	calls   int
}

func (f *bidFetcher) FetchAuction(context.Context, string) (auction.Snapshot, error) {
	return auction.Snapshot{}, nil
}

func (f *bidFetcher) PlaceBid(context.Context, string, int) (upstream.BidOutcome, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	outcome, err := f.outcome, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return outcome, err
}

func newEngine(t *testing.T, f upstream.Fetcher) *Engine {
	t.Helper()
	reg, err := metrics.NewRegistry()
	require.NoError(t, err)
	return NewEngine(f, reg, zaptest.NewLogger(t))
}

func TestEngineSingleInFlight(t *testing.T) {
	f := &bidFetcher{block: make(chan struct{})}
	e := newEngine(t, f)
	ctx := context.Background()

	require.True(t, e.Execute(ctx, "A-1", 51, auction.StrategyIncremental))
	assert.False(t, e.Execute(ctx, "A-1", 52, auction.StrategyIncremental), "second attempt must be dropped")

	// A different auction is unaffected.
	assert.True(t, e.Execute(ctx, "A-2", 51, auction.StrategyIncremental))

	close(f.block)

	<-e.Outcomes()
	<-e.Outcomes()

	// Once the attempt completes a new one may launch.
	assert.True(t, e.Execute(ctx, "A-1", 52, auction.StrategyIncremental))
}

func TestEngineOutcomeSuccess(t *testing.T) {
	f := &bidFetcher{outcome: upstream.BidOutcome{Status: upstream.BidAccepted}}
	e := newEngine(t, f)

	require.True(t, e.Execute(context.Background(), "A-1", 51, auction.StrategySniping))

	out := <-e.Outcomes()
	assert.Equal(t, "A-1", out.AuctionID)
	require.NoError(t, out.Err)
	assert.True(t, out.Record.Success)
	assert.Equal(t, 51, out.Record.Amount)
	assert.Equal(t, auction.StrategySniping, out.Record.Strategy)
	assert.Zero(t, out.RetryAfter)
}

func TestEngineOutbidSchedulesIncrementalRetry(t *testing.T) {
	f := &bidFetcher{outcome: upstream.BidOutcome{
		Status:            upstream.BidAcceptedOutbid,
		NewCurrent:        60,
		NewMinimumNextBid: 61,
	}}
	e := newEngine(t, f)

	require.True(t, e.Execute(context.Background(), "A-1", 51, auction.StrategyIncremental))

	out := <-e.Outcomes()
	require.NoError(t, out.Err)
	assert.Equal(t, IncrementalRetryDelay, out.RetryAfter)

	// The reported minimum feeds the next decision.
	a := testAuction(auction.StrategyIncremental, true, false, time.Minute)
	d := e.Evaluate(context.Background(), a, auction.GlobalSettings{}, time.Now())
	require.True(t, d.Bid)
	assert.Equal(t, 61, d.Amount)
	<-e.Outcomes()
}

func TestEngineOutbidSnipingNoDelay(t *testing.T) {
	f := &bidFetcher{outcome: upstream.BidOutcome{Status: upstream.BidAcceptedOutbid, NewMinimumNextBid: 61}}
	e := newEngine(t, f)

	require.True(t, e.Execute(context.Background(), "A-1", 51, auction.StrategySniping))
	out := <-e.Outcomes()
	assert.Zero(t, out.RetryAfter)
}

func TestEngineRejectionRecorded(t *testing.T) {
	f := &bidFetcher{outcome: upstream.BidOutcome{Status: upstream.BidRejected, Reason: "bid too low"}}
	e := newEngine(t, f)

	require.True(t, e.Execute(context.Background(), "A-1", 51, auction.StrategyIncremental))

	out := <-e.Outcomes()
	require.NoError(t, out.Err)
	assert.False(t, out.Record.Success)
	assert.Equal(t, "bid too low", out.Record.Error)
}

// ctxBidFetcher fails the bid when the request context is already done,
// the way the real HTTP client does.
type ctxBidFetcher struct{}

func (ctxBidFetcher) FetchAuction(context.Context, string) (auction.Snapshot, error) {
	return auction.Snapshot{}, nil
}

func (ctxBidFetcher) PlaceBid(ctx context.Context, _ string, _ int) (upstream.BidOutcome, error) {
	select {
	case <-ctx.Done():
		return upstream.BidOutcome{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
		return upstream.BidOutcome{Status: upstream.BidAccepted}, nil
	}
}

func TestEngineBidSurvivesCallerCancel(t *testing.T) {
	e := newEngine(t, ctxBidFetcher{})

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, e.Execute(ctx, "A-1", 51, auction.StrategyManual))
	cancel()

	out := <-e.Outcomes()
	require.NoError(t, out.Err)
	assert.True(t, out.Record.Success)
}

func TestEngineOutcomesSurviveBacklog(t *testing.T) {
	f := &bidFetcher{outcome: upstream.BidOutcome{Status: upstream.BidAccepted}}
	e := newEngine(t, f)
	ctx := context.Background()

	// More attempts than the outcome buffer holds; none may be lost.
	const n = 80
	for i := 0; i < n; i++ {
		require.True(t, e.Execute(ctx, fmt.Sprintf("A-%d", i), 51, auction.StrategyManual))
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-e.Outcomes():
		case <-deadline:
			t.Fatalf("only %d of %d outcomes delivered", i, n)
		}
	}
}

func TestEngineForgetClearsState(t *testing.T) {
	f := &bidFetcher{outcome: upstream.BidOutcome{Status: upstream.BidAcceptedOutbid, NewMinimumNextBid: 90}}
	e := newEngine(t, f)

	require.True(t, e.Execute(context.Background(), "A-1", 51, auction.StrategyIncremental))
	<-e.Outcomes()

	e.Forget("A-1")

	a := testAuction(auction.StrategyIncremental, true, false, time.Minute)
	d := e.Evaluate(context.Background(), a, auction.GlobalSettings{}, time.Now())
	require.True(t, d.Bid)
	assert.Equal(t, 51, d.Amount)
	<-e.Outcomes()
}
