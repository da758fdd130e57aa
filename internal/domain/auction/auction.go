package auction

import (
	"time"
)

// Hard limits and defaults for monitored auctions.
const (
	MaxBidCeiling       = 999_999
	DefaultBidIncrement = 1
	DefaultSnipeSeconds = 30
	BidHistoryCap       = 100

	// EndGameThreshold is the remaining time under which an auction is
	// considered to be in its end game and polled at the fast rate.
	EndGameThreshold = 30 * time.Second

	// PurgeDelay is how long an Ended auction stays in the live table
	// before it is terminated and removed.
	PurgeDelay = 60 * time.Second
)

// State is the per-auction lifecycle state.
type State string

const (
	StateMonitoring State = "monitoring"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
	StateTerminated State = "terminated"
)

// Terminal reports whether no further bids may ever be attempted.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateTerminated
}

// Strategy selects how the engine bids on an auction.
type Strategy string

const (
	StrategyManual      Strategy = "manual"
	StrategyIncremental Strategy = "incremental"
	StrategySniping     Strategy = "sniping"
)

// Valid reports whether s is one of the recognized strategies. Aliases
// are rejected deliberately.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyManual, StrategyIncremental, StrategySniping:
		return true
	}
	return false
}

// Source identifies which update pipeline produced a snapshot.
type Source string

const (
	SourceStream  Source = "stream"
	SourcePolling Source = "polling"
)

// Config is the per-auction bidding configuration, mutable by client
// command and never touched by snapshots.
type Config struct {
	MaxBid       int      `json:"maxBid" validate:"required,min=1,max=999999"`
	Strategy     Strategy `json:"strategy" validate:"required,oneof=manual incremental sniping"`
	AutoBid      bool     `json:"autoBid"`
	BidIncrement int      `json:"bidIncrement" validate:"min=0"`
	SnipeSeconds int      `json:"snipeSeconds" validate:"min=0,max=3600"`
}

// Normalize fills zero-valued optional fields from settings defaults.
func (c *Config) Normalize(gs GlobalSettings) {
	if c.MaxBid == 0 && gs.DefaultMaxBid > 0 {
		c.MaxBid = gs.DefaultMaxBid
	}
	if c.Strategy == "" {
		c.Strategy = gs.DefaultStrategy
	}
	if c.BidIncrement == 0 {
		c.BidIncrement = DefaultBidIncrement
	}
	if c.SnipeSeconds == 0 && c.Strategy == StrategySniping {
		if gs.SnipeTiming > 0 {
			c.SnipeSeconds = gs.SnipeTiming
		} else {
			c.SnipeSeconds = DefaultSnipeSeconds
		}
	}
}

// GlobalSettings are consulted when a client omits config fields.
type GlobalSettings struct {
	DefaultMaxBid   int      `json:"defaultMaxBid" validate:"min=0,max=999999"`
	DefaultStrategy Strategy `json:"defaultStrategy" validate:"omitempty,oneof=manual incremental sniping"`
	BidBuffer       int      `json:"bidBuffer" validate:"min=0"`
	SnipeTiming     int      `json:"snipeTiming" validate:"min=0,max=3600"`
}

// DefaultSettings returns the settings used until a client stores its own.
func DefaultSettings() GlobalSettings {
	return GlobalSettings{
		DefaultStrategy: StrategyManual,
		BidBuffer:       0,
		SnipeTiming:     DefaultSnipeSeconds,
	}
}

// BidRecord is an append-only record of one bid attempt.
type BidRecord struct {
	Amount           int       `json:"amount"`
	Strategy         Strategy  `json:"strategy"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	UpstreamResponse string    `json:"upstreamResponse,omitempty"`
	Time             time.Time `json:"time"`
}

// Metadata carries the descriptive fields supplied on enrollment; they
// are immutable once set.
type Metadata struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	ImageURL string `json:"imageUrl"`
}

// Auction is the full monitored-auction record. The coordinator owns the
// only mutable reference; everything broadcast or persisted is a copy.
type Auction struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	ImageURL string   `json:"imageUrl"`
	Config   Config   `json:"config"`
	State    State    `json:"state"`
	Current  Snapshot `json:"current"`

	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	LastBid       *BidRecord `json:"lastBidPlaced,omitempty"`
	Source        Source     `json:"source"`

	// MaxBidNotified latches the one-shot maxBidReached notification.
	MaxBidNotified bool `json:"maxBidNotified,omitempty"`

	// EndedAt drives the delayed purge from the live table.
	EndedAt time.Time `json:"endedAt,omitempty"`
}

// New creates a monitored auction in the Monitoring state.
func New(id string, cfg Config, meta Metadata) *Auction {
	return &Auction{
		ID:       id,
		Title:    meta.Title,
		URL:      meta.URL,
		ImageURL: meta.ImageURL,
		Config:   cfg,
		State:    StateMonitoring,
	}
}

// TimeRemaining is the time left until close as of now; non-positive once
// the close time has passed or the auction reports closed.
func (a *Auction) TimeRemaining(now time.Time) time.Duration {
	if a.Current.CloseAt.IsZero() {
		return 0
	}
	return a.Current.CloseAt.Sub(now)
}

// ApplySnapshot merges an observed snapshot into the auction. The
// snapshot is authoritative for observed fields; config is untouched.
// Stale snapshots are rejected to keep broadcasts monotonic: an older
// observation never wins, and on an equal timestamp the incumbent is
// kept only when it carries strictly more bids.
func (a *Auction) ApplySnapshot(s Snapshot) bool {
	if !a.LastUpdatedAt.IsZero() {
		if s.ObservedAt.Before(a.LastUpdatedAt) {
			return false
		}
		if s.ObservedAt.Equal(a.LastUpdatedAt) && a.Current.BidCount > s.BidCount {
			return false
		}
	}
	a.Current = s
	a.LastUpdatedAt = s.ObservedAt
	if s.Source != "" {
		a.Source = s.Source
	}
	if a.Title == "" {
		a.Title = s.Title
	}
	if a.ImageURL == "" {
		a.ImageURL = s.ImageURL
	}
	return true
}

// Transition holds one state-machine step.
type Transition struct {
	From State
	To   State
}

// AdvanceState applies the lifecycle rules against the merged snapshot
// and returns the transition taken, if any. Ended and Terminated are
// terminal for bidding; Ending can regress to Monitoring when an
// anti-snipe extension pushes the close time back out.
func (a *Auction) AdvanceState(now time.Time) (Transition, bool) {
	remaining := a.TimeRemaining(now)
	closed := a.Current.IsClosed || (!a.Current.CloseAt.IsZero() && remaining <= 0)

	var to State
	switch a.State {
	case StateMonitoring:
		switch {
		case closed:
			to = StateEnded
		case remaining > 0 && remaining <= EndGameThreshold:
			to = StateEnding
		default:
			return Transition{}, false
		}
	case StateEnding:
		switch {
		case closed:
			to = StateEnded
		case remaining > EndGameThreshold:
			to = StateMonitoring
		default:
			return Transition{}, false
		}
	default:
		return Transition{}, false
	}

	tr := Transition{From: a.State, To: to}
	a.State = to
	if to == StateEnded {
		a.EndedAt = now
	}
	return tr, true
}

// InSnipeWindow reports whether now falls inside [close-snipeSeconds, close).
// A zero snipeSeconds yields an empty window and disables sniping.
func (a *Auction) InSnipeWindow(now time.Time) bool {
	if a.Config.SnipeSeconds <= 0 || a.Current.CloseAt.IsZero() {
		return false
	}
	remaining := a.TimeRemaining(now)
	return remaining > 0 && remaining <= time.Duration(a.Config.SnipeSeconds)*time.Second
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *Auction) Clone() *Auction {
	cp := *a
	if a.LastBid != nil {
		lb := *a.LastBid
		cp.LastBid = &lb
	}
	return &cp
}
