package upstream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	domerrors "github.com/davidleathers/auction-monitor-backend/internal/domain/errors"
)

// flexID tolerates upstream ids arriving as either strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// productEnvelope mirrors the consumed subset of the product route
// payload. Unknown fields are tolerated by construction.
type productEnvelope struct {
	Product *productPayload `json:"product"`
}

type productPayload struct {
	ID              flexID `json:"id"`
	Title           string `json:"title"`
	CurrentPrice    *int   `json:"currentPrice"`
	BidCount        int    `json:"bidCount"`
	BidderCount     int    `json:"bidderCount"`
	IsClosed        bool   `json:"isClosed"`
	MarketStatus    string `json:"marketStatus"`
	RetailPrice     int    `json:"retailPrice"`
	ExtensionSecs   int    `json:"extensionInterval"`
	InventoryNumber string `json:"inventoryNumber"`

	CloseTime struct {
		Value string `json:"value"`
	} `json:"closeTime"`

	UserState struct {
		NextBid    int  `json:"nextBid"`
		IsWinning  bool `json:"isWinning"`
		IsWatching bool `json:"isWatching"`
	} `json:"userState"`

	Photos []struct {
		URL string `json:"url"`
	} `json:"photos"`
}

// parseProductPayload decodes the product JSON into a snapshot, failing
// with a validation error only when a required field is missing or out
// of range.
func parseProductPayload(body []byte, observedAt time.Time) (auction.Snapshot, error) {
	var env productEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return auction.Snapshot{}, domerrors.NewValidationError(
			"MALFORMED_PRODUCT", "product payload is not valid JSON").WithCause(err)
	}
	if env.Product == nil {
		return auction.Snapshot{}, domerrors.NewValidationError(
			"MISSING_PRODUCT", "product payload has no product object")
	}
	p := env.Product

	if p.ID == "" {
		return auction.Snapshot{}, domerrors.NewValidationError(
			"MISSING_ID", "product payload has no id")
	}
	if p.CurrentPrice == nil {
		return auction.Snapshot{}, domerrors.NewValidationError(
			"MISSING_PRICE", "product payload has no currentPrice")
	}
	if *p.CurrentPrice < 0 {
		return auction.Snapshot{}, domerrors.NewValidationError(
			"INVALID_PRICE", "currentPrice is negative")
	}

	closed := p.IsClosed || strings.EqualFold(p.MarketStatus, "sold") ||
		strings.EqualFold(p.MarketStatus, "closed")

	var closeAt time.Time
	if p.CloseTime.Value != "" {
		t, err := time.Parse(time.RFC3339, p.CloseTime.Value)
		if err != nil {
			return auction.Snapshot{}, domerrors.NewValidationError(
				"INVALID_CLOSE_TIME", "closeTime.value is not RFC 3339").WithCause(err)
		}
		closeAt = t
	} else if !closed {
		return auction.Snapshot{}, domerrors.NewValidationError(
			"MISSING_CLOSE_TIME", "open auction has no closeTime")
	}

	nextBid := p.UserState.NextBid
	if nextBid <= *p.CurrentPrice {
		nextBid = *p.CurrentPrice + 1
	}

	snap := auction.Snapshot{
		ID:                string(p.ID),
		Title:             p.Title,
		CurrentBid:        *p.CurrentPrice,
		NextBid:           nextBid,
		BidCount:          p.BidCount,
		BidderCount:       p.BidderCount,
		IsWinning:         p.UserState.IsWinning,
		IsWatching:        p.UserState.IsWatching,
		IsClosed:          closed,
		CloseAt:           closeAt,
		RetailPrice:       p.RetailPrice,
		ExtensionInterval: p.ExtensionSecs,
		ObservedAt:        observedAt,
	}
	if len(p.Photos) > 0 {
		snap.ImageURL = p.Photos[0].URL
	}
	return snap, nil
}

// bidResponse mirrors the partially-known bid POST success schema.
type bidResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Data    *struct {
		CurrentAmount  int  `json:"currentAmount"`
		MinimumNextBid *int `json:"minimumNextBid"`
		BidCount       int  `json:"bidCount"`
		BidderCount    int  `json:"bidderCount"`
	} `json:"data"`
}

// parseBidResponse maps a 2xx bid body to an outcome. The success schema
// is only partly known: anything without data.minimumNextBid counts as
// a plain acceptance.
func parseBidResponse(body []byte) BidOutcome {
	outcome := BidOutcome{Status: BidAccepted, Raw: string(body)}

	var br bidResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return outcome
	}
	if br.Data != nil && br.Data.MinimumNextBid != nil {
		outcome.Status = BidAcceptedOutbid
		outcome.NewCurrent = br.Data.CurrentAmount
		outcome.NewMinimumNextBid = *br.Data.MinimumNextBid
		outcome.BidCount = br.Data.BidCount
		outcome.BidderCount = br.Data.BidderCount
	}
	return outcome
}

// rejectionReason extracts a human-usable reason from a 4xx bid body.
func rejectionReason(body []byte, status int) string {
	var br bidResponse
	if err := json.Unmarshal(body, &br); err == nil {
		if br.Error != "" {
			return br.Error
		}
		if br.Message != "" {
			return br.Message
		}
	}
	return "HTTP_" + strconv.Itoa(status)
}
