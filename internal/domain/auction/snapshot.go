package auction

import "time"

// Snapshot is a point-in-time observation of an auction's public state as
// reported by one of the update pipelines. Amounts are whole dollars.
type Snapshot struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	CurrentBid  int    `json:"currentBid"`
	NextBid     int    `json:"nextBid"`
	BidCount    int    `json:"bidCount"`
	BidderCount int    `json:"bidderCount"`
	IsWinning   bool   `json:"isWinning"`
	IsWatching  bool   `json:"isWatching"`
	IsClosed    bool   `json:"isClosed"`

	CloseAt           time.Time `json:"closeAt,omitempty"`
	RetailPrice       int       `json:"retailPrice,omitempty"`
	ExtensionInterval int       `json:"extensionIntervalSeconds,omitempty"`

	ObservedAt time.Time `json:"observedAt"`
	Source     Source    `json:"source,omitempty"`
}

// TimeRemaining is the time left until close as of now.
func (s Snapshot) TimeRemaining(now time.Time) time.Duration {
	if s.CloseAt.IsZero() {
		return 0
	}
	return s.CloseAt.Sub(now)
}

// EndGame reports whether the snapshot places the auction inside the
// fast-poll window.
func (s Snapshot) EndGame(now time.Time) bool {
	r := s.TimeRemaining(now)
	return r > 0 && r <= EndGameThreshold
}
