package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domerrors "github.com/davidleathers/auction-monitor-backend/internal/domain/errors"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/auth"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/metrics"
)

func productBody(id string, price int, closeAt time.Time) string {
	return fmt.Sprintf(`{
		"product": {
			"id": %q,
			"title": "Vintage Camera",
			"currentPrice": %d,
			"bidCount": 12,
			"bidderCount": 4,
			"isClosed": false,
			"marketStatus": "open",
			"retailPrice": 300,
			"extensionInterval": 30,
			"closeTime": {"value": %q},
			"userState": {"nextBid": %d, "isWinning": false, "isWatching": true},
			"photos": [{"url": "https://img.example.com/1.jpg"}],
			"somethingUnknown": {"nested": true}
		}
	}`, id, price, closeAt.Format(time.RFC3339), price+1)
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := &config.UpstreamConfig{
		BaseURL:            url,
		APIURL:             url,
		SSEURL:             url,
		RouteData:          "routes/product",
		RequestTimeout:     2 * time.Second,
		RateLimitPerMinute: 600,
	}
	return NewClient(cfg, auth.NewSigner("test-secret"), testRegistry(t), zaptest.NewLogger(t))
}

func testRegistry(t *testing.T) *metrics.Registry {
	t.Helper()
	reg, err := metrics.NewRegistry()
	require.NoError(t, err)
	return reg
}

func TestFetchAuction(t *testing.T) {
	closeAt := time.Now().Add(2 * time.Minute).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/p/product/A-1", r.URL.Path)
		assert.Equal(t, "routes/product", r.URL.Query().Get("_data"))
		assert.Contains(t, r.URL.RawQuery, "_data=routes%2Fproduct")
		assert.NotEmpty(t, r.Header.Get(auth.HeaderSignature))
		assert.NotEmpty(t, r.Header.Get(auth.HeaderTimestamp))
		assert.Equal(t, "session=abc", r.Header.Get("Cookie"))
		fmt.Fprint(w, productBody("A-1", 50, closeAt))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	c.SetCookies("session=abc")

	snap, err := c.FetchAuction(context.Background(), "A-1")
	require.NoError(t, err)

	assert.Equal(t, "A-1", snap.ID)
	assert.Equal(t, "Vintage Camera", snap.Title)
	assert.Equal(t, 50, snap.CurrentBid)
	assert.Equal(t, 51, snap.NextBid)
	assert.Equal(t, 12, snap.BidCount)
	assert.Equal(t, 4, snap.BidderCount)
	assert.True(t, snap.CloseAt.Equal(closeAt))
	assert.Equal(t, "https://img.example.com/1.jpg", snap.ImageURL)
	assert.False(t, snap.IsClosed)
	assert.False(t, snap.ObservedAt.IsZero())
}

func TestFetchAuctionNumericID(t *testing.T) {
	closeAt := time.Now().Add(time.Minute).UTC()
	body := fmt.Sprintf(`{"product":{"id":12345,"currentPrice":10,"closeTime":{"value":%q},"userState":{}}}`,
		closeAt.Format(time.RFC3339))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	snap, err := testClient(t, srv.URL).FetchAuction(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, "12345", snap.ID)
	assert.Equal(t, 11, snap.NextBid)
}

func TestFetchAuctionErrors(t *testing.T) {
	t.Run("5xx is an upstream error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := testClient(t, srv.URL).FetchAuction(context.Background(), "A-1")
		require.Error(t, err)
		assert.Equal(t, domerrors.ErrorTypeUpstream, domerrors.TypeOf(err))
		assert.True(t, domerrors.IsBreakerFailure(err))
	})

	t.Run("4xx is a rejection, not a breaker failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := testClient(t, srv.URL).FetchAuction(context.Background(), "A-1")
		require.Error(t, err)
		assert.Equal(t, domerrors.ErrorTypeUpstreamRejected, domerrors.TypeOf(err))
		assert.False(t, domerrors.IsBreakerFailure(err))
	})

	t.Run("connection refused is a transport error", func(t *testing.T) {
		c := testClient(t, "http://127.0.0.1:1")
		_, err := c.FetchAuction(context.Background(), "A-1")
		require.Error(t, err)
		assert.Equal(t, domerrors.ErrorTypeTransport, domerrors.TypeOf(err))
	})

	t.Run("missing required field is a validation error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"product":{"id":"A-1"}}`)
		}))
		defer srv.Close()

		_, err := testClient(t, srv.URL).FetchAuction(context.Background(), "A-1")
		require.Error(t, err)
		assert.Equal(t, domerrors.ErrorTypeValidation, domerrors.TypeOf(err))
	})
}

func TestRateLimiterRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, productBody("A-1", 50, time.Now().Add(time.Minute)))
	}))
	defer srv.Close()

	cfg := &config.UpstreamConfig{
		BaseURL:            srv.URL,
		APIURL:             srv.URL,
		SSEURL:             srv.URL,
		RequestTimeout:     time.Second,
		RateLimitPerMinute: 10, // burst of 1
	}
	c := NewClient(cfg, auth.NewSigner(""), testRegistry(t), zaptest.NewLogger(t))

	_, err := c.FetchAuction(context.Background(), "A-1")
	require.NoError(t, err)

	_, err = c.FetchAuction(context.Background(), "A-1")
	require.Error(t, err)
	assert.Equal(t, domerrors.ErrorTypeRateLimited, domerrors.TypeOf(err))
	assert.False(t, domerrors.IsBreakerFailure(err))
}

func TestPlaceBid(t *testing.T) {
	t.Run("plain acceptance", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/auctions/A-1/bid", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)

			var body map[string]int
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 51, body["amount"])

			fmt.Fprint(w, `{"message":"bid placed"}`)
		}))
		defer srv.Close()

		outcome, err := testClient(t, srv.URL).PlaceBid(context.Background(), "A-1", 51)
		require.NoError(t, err)
		assert.Equal(t, BidAccepted, outcome.Status)
	})

	t.Run("unknown success body is accepted", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"totally":"unexpected"}`)
		}))
		defer srv.Close()

		outcome, err := testClient(t, srv.URL).PlaceBid(context.Background(), "A-1", 51)
		require.NoError(t, err)
		assert.Equal(t, BidAccepted, outcome.Status)
	})

	t.Run("still outbid", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":{"currentAmount":60,"minimumNextBid":61,"bidCount":15,"bidderCount":5}}`)
		}))
		defer srv.Close()

		outcome, err := testClient(t, srv.URL).PlaceBid(context.Background(), "A-1", 51)
		require.NoError(t, err)
		assert.Equal(t, BidAcceptedOutbid, outcome.Status)
		assert.Equal(t, 60, outcome.NewCurrent)
		assert.Equal(t, 61, outcome.NewMinimumNextBid)
		assert.Equal(t, 15, outcome.BidCount)
	})

	t.Run("rejection carries the upstream reason", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"error":"bid too low"}`)
		}))
		defer srv.Close()

		outcome, err := testClient(t, srv.URL).PlaceBid(context.Background(), "A-1", 51)
		require.NoError(t, err)
		assert.Equal(t, BidRejected, outcome.Status)
		assert.Equal(t, "bid too low", outcome.Reason)
	})

	t.Run("5xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := testClient(t, srv.URL).PlaceBid(context.Background(), "A-1", 51)
		require.Error(t, err)
		assert.True(t, domerrors.IsBreakerFailure(err))
	})
}

func TestParseProductPayloadClosedWithoutCloseTime(t *testing.T) {
	body := []byte(`{"product":{"id":"A-1","currentPrice":75,"isClosed":true,"userState":{}}}`)
	snap, err := parseProductPayload(body, time.Now())
	require.NoError(t, err)
	assert.True(t, snap.IsClosed)
	assert.True(t, snap.CloseAt.IsZero())
}
