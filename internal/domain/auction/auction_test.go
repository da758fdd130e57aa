package auction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuction(cfg Config) *Auction {
	return New("A-1", cfg, Metadata{Title: "Test Lot"})
}

func TestApplySnapshot(t *testing.T) {
	now := time.Now()

	t.Run("first snapshot accepted", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		ok := a.ApplySnapshot(Snapshot{ID: "A-1", CurrentBid: 50, NextBid: 51, BidCount: 3, ObservedAt: now, Source: SourceStream})
		require.True(t, ok)
		assert.Equal(t, 50, a.Current.CurrentBid)
		assert.Equal(t, SourceStream, a.Source)
		assert.Equal(t, now, a.LastUpdatedAt)
	})

	t.Run("stale snapshot rejected", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		require.True(t, a.ApplySnapshot(Snapshot{CurrentBid: 50, BidCount: 3, ObservedAt: now}))
		ok := a.ApplySnapshot(Snapshot{CurrentBid: 40, BidCount: 2, ObservedAt: now.Add(-time.Second)})
		assert.False(t, ok)
		assert.Equal(t, 50, a.Current.CurrentBid)
	})

	t.Run("tie broken by bid count", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		require.True(t, a.ApplySnapshot(Snapshot{CurrentBid: 50, BidCount: 5, ObservedAt: now}))

		// Same timestamp, fewer bids: incumbent wins.
		assert.False(t, a.ApplySnapshot(Snapshot{CurrentBid: 45, BidCount: 4, ObservedAt: now}))
		assert.Equal(t, 50, a.Current.CurrentBid)

		// Same timestamp, more bids: newcomer wins.
		assert.True(t, a.ApplySnapshot(Snapshot{CurrentBid: 55, BidCount: 6, ObservedAt: now}))
		assert.Equal(t, 55, a.Current.CurrentBid)
	})

	t.Run("same timestamp same count later received wins", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		require.True(t, a.ApplySnapshot(Snapshot{CurrentBid: 50, BidCount: 5, ObservedAt: now}))
		assert.True(t, a.ApplySnapshot(Snapshot{CurrentBid: 52, BidCount: 5, ObservedAt: now}))
		assert.Equal(t, 52, a.Current.CurrentBid)
	})

	t.Run("config never touched by snapshots", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategySniping, SnipeSeconds: 30})
		require.True(t, a.ApplySnapshot(Snapshot{CurrentBid: 50, ObservedAt: now}))
		assert.Equal(t, 100, a.Config.MaxBid)
		assert.Equal(t, StrategySniping, a.Config.Strategy)
	})
}

func TestAdvanceState(t *testing.T) {
	now := time.Now()

	t.Run("monitoring to ending at threshold", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		a.ApplySnapshot(Snapshot{CloseAt: now.Add(29 * time.Second), ObservedAt: now})
		tr, ok := a.AdvanceState(now)
		require.True(t, ok)
		assert.Equal(t, Transition{From: StateMonitoring, To: StateEnding}, tr)
	})

	t.Run("stays monitoring above threshold", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		a.ApplySnapshot(Snapshot{CloseAt: now.Add(31 * time.Second), ObservedAt: now})
		_, ok := a.AdvanceState(now)
		assert.False(t, ok)
		assert.Equal(t, StateMonitoring, a.State)
	})

	t.Run("anti-snipe extension regresses to monitoring", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		a.ApplySnapshot(Snapshot{CloseAt: now.Add(10 * time.Second), ObservedAt: now})
		_, ok := a.AdvanceState(now)
		require.True(t, ok)
		require.Equal(t, StateEnding, a.State)

		a.ApplySnapshot(Snapshot{CloseAt: now.Add(90 * time.Second), ObservedAt: now.Add(time.Second)})
		tr, ok := a.AdvanceState(now)
		require.True(t, ok)
		assert.Equal(t, Transition{From: StateEnding, To: StateMonitoring}, tr)
	})

	t.Run("closed flag ends from monitoring", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		a.ApplySnapshot(Snapshot{IsClosed: true, CloseAt: now.Add(time.Minute), ObservedAt: now})
		tr, ok := a.AdvanceState(now)
		require.True(t, ok)
		assert.Equal(t, StateEnded, tr.To)
		assert.False(t, a.EndedAt.IsZero())
	})

	t.Run("elapsed close time ends from ending", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		a.ApplySnapshot(Snapshot{CloseAt: now.Add(5 * time.Second), ObservedAt: now})
		_, ok := a.AdvanceState(now)
		require.True(t, ok)

		tr, ok := a.AdvanceState(now.Add(6 * time.Second))
		require.True(t, ok)
		assert.Equal(t, Transition{From: StateEnding, To: StateEnded}, tr)
	})

	t.Run("ended is terminal", func(t *testing.T) {
		a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
		a.State = StateEnded
		a.ApplySnapshot(Snapshot{CloseAt: now.Add(time.Hour), ObservedAt: now})
		_, ok := a.AdvanceState(now)
		assert.False(t, ok)
		assert.True(t, a.State.Terminal())
	})
}

func TestInSnipeWindow(t *testing.T) {
	now := time.Now()

	a := testAuction(Config{MaxBid: 100, Strategy: StrategySniping, SnipeSeconds: 30})
	a.ApplySnapshot(Snapshot{CloseAt: now.Add(20 * time.Second), ObservedAt: now})
	assert.True(t, a.InSnipeWindow(now))

	a.ApplySnapshot(Snapshot{CloseAt: now.Add(45 * time.Second), ObservedAt: now.Add(time.Second)})
	assert.False(t, a.InSnipeWindow(now))

	// snipeSeconds=0 disables sniping outright.
	a.Config.SnipeSeconds = 0
	a.ApplySnapshot(Snapshot{CloseAt: now.Add(5 * time.Second), ObservedAt: now.Add(2 * time.Second)})
	assert.False(t, a.InSnipeWindow(now))

	// Window closes once the auction has ended.
	a.Config.SnipeSeconds = 30
	a.ApplySnapshot(Snapshot{CloseAt: now.Add(-time.Second), ObservedAt: now.Add(3 * time.Second)})
	assert.False(t, a.InSnipeWindow(now))
}

func TestConfigNormalize(t *testing.T) {
	gs := GlobalSettings{DefaultMaxBid: 200, DefaultStrategy: StrategyIncremental, BidBuffer: 2, SnipeTiming: 15}

	cfg := Config{}
	cfg.Normalize(gs)
	assert.Equal(t, 200, cfg.MaxBid)
	assert.Equal(t, StrategyIncremental, cfg.Strategy)
	assert.Equal(t, DefaultBidIncrement, cfg.BidIncrement)

	snipe := Config{MaxBid: 50, Strategy: StrategySniping}
	snipe.Normalize(gs)
	assert.Equal(t, 15, snipe.SnipeSeconds)

	explicit := Config{MaxBid: 50, Strategy: StrategySniping, SnipeSeconds: 45, BidIncrement: 5}
	explicit.Normalize(gs)
	assert.Equal(t, 45, explicit.SnipeSeconds)
	assert.Equal(t, 5, explicit.BidIncrement)
}

func TestStrategyValid(t *testing.T) {
	assert.True(t, StrategyManual.Valid())
	assert.True(t, StrategyIncremental.Valid())
	assert.True(t, StrategySniping.Valid())
	assert.False(t, Strategy("auto").Valid())
	assert.False(t, Strategy("").Valid())
}

func TestClone(t *testing.T) {
	a := testAuction(Config{MaxBid: 100, Strategy: StrategyManual})
	a.LastBid = &BidRecord{Amount: 51, Success: true, Time: time.Now()}

	cp := a.Clone()
	cp.LastBid.Amount = 99
	cp.Config.MaxBid = 1

	assert.Equal(t, 51, a.LastBid.Amount)
	assert.Equal(t, 100, a.Config.MaxBid)
}
