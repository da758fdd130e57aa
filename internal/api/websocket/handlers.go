package websocket

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	domerrors "github.com/davidleathers/auction-monitor-backend/internal/domain/errors"
)

// commandTimeout bounds how long a single client command may run.
const commandTimeout = 30 * time.Second

var (
	errMalformedFrame   = domerrors.NewValidationError("MALFORMED_FRAME", "frame is not valid JSON")
	errNotAuthenticated = domerrors.NewAuthError("authentication required")
	errUnknownFrame     = domerrors.NewValidationError("UNKNOWN_FRAME", "unrecognized frame type")
	errMissingAuctionID = domerrors.NewValidationError("MISSING_AUCTION_ID", "auctionId is required")
	errMissingConfig    = domerrors.NewValidationError("MISSING_CONFIG", "config is required")
	errMissingSettings  = domerrors.NewValidationError("MISSING_SETTINGS", "settings are required")
	errInvalidAmount    = domerrors.NewValidationError("INVALID_AMOUNT", "amount must be positive")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The monitor serves trusted local dashboards; origin is not checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request and runs the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !h.acquireIP(ip) {
		h.logger.Warn("connection limit reached for address", zap.String("remote_ip", ip))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.releaseIP(ip)
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, h, ip)
	h.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// dispatch executes one authenticated, rate-admitted command and queues
// the response for the issuing client.
func (h *Hub) dispatch(c *Client, frame *InboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var (
		data any
		err  error
	)

	switch frame.Type {
	case FrameStartMonitoring:
		switch {
		case frame.AuctionID == "":
			err = errMissingAuctionID
		case frame.Config == nil:
			err = errMissingConfig
		default:
			data, err = h.handler.StartMonitoring(ctx, frame.AuctionID, frame.Config, frame.Metadata)
		}

	case FrameStopMonitoring:
		if frame.AuctionID == "" {
			err = errMissingAuctionID
		} else {
			err = h.handler.StopMonitoring(ctx, frame.AuctionID)
		}

	case FrameUpdateConfig:
		switch {
		case frame.AuctionID == "":
			err = errMissingAuctionID
		case frame.Config == nil:
			err = errMissingConfig
		default:
			data, err = h.handler.UpdateConfig(ctx, frame.AuctionID, frame.Config)
		}

	case FramePlaceBid:
		switch {
		case frame.AuctionID == "":
			err = errMissingAuctionID
		case frame.Amount <= 0:
			err = errInvalidAmount
		default:
			err = h.handler.PlaceBid(ctx, frame.AuctionID, frame.Amount)
		}

	case FrameGetMonitoredAuctions:
		data = map[string]any{"auctions": h.handler.MonitoredAuctions(ctx)}

	case FrameGetSettings:
		data = map[string]any{"settings": h.handler.Settings(ctx)}

	case FrameUpdateSettings:
		if frame.Settings == nil {
			err = errMissingSettings
		} else {
			var gs any
			gs, err = h.handler.UpdateSettings(ctx, frame.Settings)
			if err == nil {
				data = map[string]any{"settings": gs}
			}
		}

	case FrameSetCookies:
		err = h.handler.SetCookies(ctx, frame.Cookies)

	default:
		err = errUnknownFrame
	}

	if err != nil {
		h.logger.Debug("command failed",
			zap.String("client_id", c.ID.String()),
			zap.String("frame_type", string(frame.Type)),
			zap.Error(err))
	}
	c.enqueue(ResponseFrame(frame.RequestID, data, err))
}
