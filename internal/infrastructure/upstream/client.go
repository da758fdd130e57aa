package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	domerrors "github.com/davidleathers/auction-monitor-backend/internal/domain/errors"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/auth"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/metrics"
)

// Fetcher is the upstream surface the rest of the engine depends on; the
// circuit breaker wraps it transparently.
type Fetcher interface {
	FetchAuction(ctx context.Context, id string) (auction.Snapshot, error)
	PlaceBid(ctx context.Context, id string, amount int) (BidOutcome, error)
}

// BidStatus classifies the upstream's answer to a bid.
type BidStatus string

const (
	BidAccepted BidStatus = "accepted"
	// BidAcceptedOutbid means the bid was recorded but another bidder's
	// maximum still exceeds it.
	BidAcceptedOutbid BidStatus = "accepted_outbid"
	BidRejected       BidStatus = "rejected"
)

// BidOutcome is the parsed result of a bid placement.
type BidOutcome struct {
	Status            BidStatus `json:"status"`
	NewCurrent        int       `json:"newCurrent,omitempty"`
	NewMinimumNextBid int       `json:"newMinimumNextBid,omitempty"`
	BidCount          int       `json:"bidCount,omitempty"`
	BidderCount       int       `json:"bidderCount,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Raw               string    `json:"raw,omitempty"`
}

// Client performs signed, rate-limited HTTP against the auction site.
type Client struct {
	cfg     *config.UpstreamConfig
	httpc   *http.Client
	signer  *auth.Signer
	limiter *rate.Limiter
	metrics *metrics.Registry
	logger  *zap.Logger

	mu      sync.RWMutex
	cookies string
}

// NewClient builds the upstream client. The token bucket defaults to
// 100 requests/minute; blocked requests fail immediately with
// RateLimited rather than queueing, so pipelines can reschedule.
func NewClient(cfg *config.UpstreamConfig, signer *auth.Signer, m *metrics.Registry, logger *zap.Logger) *Client {
	perSecond := rate.Limit(float64(cfg.RateLimitPerMinute) / 60.0)
	burst := cfg.RateLimitPerMinute / 10
	if burst < 1 {
		burst = 1
	}

	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		signer:  signer,
		limiter: rate.NewLimiter(perSecond, burst),
		metrics: m,
		logger:  logger,
	}
}

// SetCookies replaces the upstream session cookie used on every request.
func (c *Client) SetCookies(cookies string) {
	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()
}

// Cookies returns the current session cookie.
func (c *Client) Cookies() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookies
}

// FetchAuction retrieves the full product snapshot for one auction.
func (c *Client) FetchAuction(ctx context.Context, id string) (auction.Snapshot, error) {
	if !c.limiter.Allow() {
		c.metrics.RateLimitRefusals.Add(ctx, 1, metrics.WithAuction(id))
		return auction.Snapshot{}, domerrors.NewRateLimitedError("upstream request budget exhausted")
	}
	c.metrics.UpstreamRequests.Add(ctx, 1, metrics.WithAuction(id))

	query := url.Values{"_data": {c.cfg.RouteData}}
	productURL := fmt.Sprintf("%s/p/product/%s?%s", c.cfg.BaseURL, id, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, productURL, nil)
	if err != nil {
		return auction.Snapshot{}, domerrors.NewInternalError("building product request").WithCause(err)
	}
	c.prepare(req, nil)

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.metrics.UpstreamErrors.Add(ctx, 1, metrics.WithAuction(id))
		return auction.Snapshot{}, domerrors.NewTransportError("product fetch failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.metrics.UpstreamErrors.Add(ctx, 1, metrics.WithAuction(id))
		return auction.Snapshot{}, domerrors.NewTransportError("reading product response").WithCause(err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.metrics.UpstreamErrors.Add(ctx, 1, metrics.WithAuction(id))
		c.logger.Warn("upstream product fetch 5xx",
			zap.String("auction_id", id), zap.Int("status", resp.StatusCode))
		return auction.Snapshot{}, domerrors.NewUpstreamError(
			fmt.Sprintf("product fetch returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return auction.Snapshot{}, domerrors.NewUpstreamRejectedError(
			fmt.Sprintf("HTTP_%d", resp.StatusCode),
			fmt.Sprintf("product fetch refused with %d", resp.StatusCode))
	}

	snap, err := parseProductPayload(body, time.Now())
	if err != nil {
		return auction.Snapshot{}, err
	}

	c.logger.Debug("fetched auction snapshot",
		zap.String("auction_id", id),
		zap.Int("current_bid", snap.CurrentBid),
		zap.Int("bid_count", snap.BidCount))
	return snap, nil
}

// PlaceBid submits a bid. Unknown success bodies are treated as Accepted
// unless a data.minimumNextBid field is present, which marks the
// still-outbid case.
func (c *Client) PlaceBid(ctx context.Context, id string, amount int) (BidOutcome, error) {
	if !c.limiter.Allow() {
		c.metrics.RateLimitRefusals.Add(ctx, 1, metrics.WithAuction(id))
		return BidOutcome{}, domerrors.NewRateLimitedError("upstream request budget exhausted")
	}
	c.metrics.UpstreamRequests.Add(ctx, 1, metrics.WithAuction(id))

	payload, err := json.Marshal(map[string]int{"amount": amount})
	if err != nil {
		return BidOutcome{}, domerrors.NewInternalError("encoding bid payload").WithCause(err)
	}

	bidURL := fmt.Sprintf("%s/auctions/%s/bid", c.cfg.APIURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bidURL, bytes.NewReader(payload))
	if err != nil {
		return BidOutcome{}, domerrors.NewInternalError("building bid request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.prepare(req, payload)

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.metrics.UpstreamErrors.Add(ctx, 1, metrics.WithAuction(id))
		return BidOutcome{}, domerrors.NewTransportError("bid placement failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.metrics.UpstreamErrors.Add(ctx, 1, metrics.WithAuction(id))
		return BidOutcome{}, domerrors.NewTransportError("reading bid response").WithCause(err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.metrics.UpstreamErrors.Add(ctx, 1, metrics.WithAuction(id))
		c.logger.Warn("upstream bid 5xx",
			zap.String("auction_id", id),
			zap.Int("amount", amount),
			zap.Int("status", resp.StatusCode))
		return BidOutcome{}, domerrors.NewUpstreamError(
			fmt.Sprintf("bid returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		outcome := BidOutcome{
			Status: BidRejected,
			Reason: rejectionReason(body, resp.StatusCode),
			Raw:    string(body),
		}
		c.logger.Info("upstream rejected bid",
			zap.String("auction_id", id),
			zap.Int("amount", amount),
			zap.String("reason", outcome.Reason))
		return outcome, nil
	}

	outcome := parseBidResponse(body)
	c.logger.Info("bid placed",
		zap.String("auction_id", id),
		zap.Int("amount", amount),
		zap.String("status", string(outcome.Status)))
	return outcome, nil
}

// prepare attaches the session cookie and signing headers.
func (c *Client) prepare(req *http.Request, body []byte) {
	req.Header.Set("Accept", "application/json")
	if cookies := c.Cookies(); cookies != "" {
		req.Header.Set("Cookie", cookies)
	}
	c.signer.Sign(req, body)
}
