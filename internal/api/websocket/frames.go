package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
)

// FrameType identifies a client or server frame.
type FrameType string

// Inbound frame types.
const (
	FrameAuthenticate         FrameType = "authenticate"
	FramePing                 FrameType = "ping"
	FrameStartMonitoring      FrameType = "startMonitoring"
	FrameStopMonitoring       FrameType = "stopMonitoring"
	FrameUpdateConfig         FrameType = "updateConfig"
	FramePlaceBid             FrameType = "placeBid"
	FrameGetMonitoredAuctions FrameType = "getMonitoredAuctions"
	FrameGetSettings          FrameType = "getSettings"
	FrameUpdateSettings       FrameType = "updateSettings"
	FrameSetCookies           FrameType = "setCookies"
)

// Outbound frame types.
const (
	FrameConnected     FrameType = "connected"
	FrameAuthenticated FrameType = "authenticated"
	FramePong          FrameType = "pong"
	FrameResponse      FrameType = "response"
	FrameAuctionState  FrameType = "auctionState"
	FrameNotification  FrameType = "notification"
	FrameRateLimited   FrameType = "rateLimited"
	FrameDisconnected  FrameType = "disconnected"
)

// NotificationType classifies broadcast notifications.
type NotificationType string

const (
	NotifyOutbid        NotificationType = "outbid"
	NotifyAuctionEnded  NotificationType = "ended"
	NotifyMaxBidReached NotificationType = "maxBidReached"
	NotifyBidError      NotificationType = "bidError"
)

// InboundFrame is the decoded client frame. Fields beyond Type are
// populated per frame type; unused ones stay zero.
type InboundFrame struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`

	Token     string                  `json:"token,omitempty"`
	AuctionID string                  `json:"auctionId,omitempty"`
	Amount    int                     `json:"amount,omitempty"`
	Config    *auction.Config         `json:"config,omitempty"`
	Metadata  *auction.Metadata       `json:"metadata,omitempty"`
	Cookies   string                  `json:"cookies,omitempty"`
	Settings  *auction.GlobalSettings `json:"settings,omitempty"`
}

// OutboundFrame is the wire shape of every server frame.
type OutboundFrame struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Success bool            `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	Auction *auction.Auction `json:"auction,omitempty"`

	NotificationType NotificationType `json:"notificationType,omitempty"`
	AuctionID        string           `json:"auctionId,omitempty"`
	Message          string           `json:"message,omitempty"`
}

func newFrame(t FrameType) *OutboundFrame {
	return &OutboundFrame{Type: t, Timestamp: time.Now()}
}

// ConnectedFrame greets a newly registered client with its id.
func ConnectedFrame(clientID uuid.UUID) *OutboundFrame {
	f := newFrame(FrameConnected)
	if raw, err := json.Marshal(map[string]string{"clientId": clientID.String()}); err == nil {
		f.Data = raw
	}
	return f
}

// ResponseFrame builds a request/response frame echoing requestId.
func ResponseFrame(requestID string, data any, err error) *OutboundFrame {
	f := newFrame(FrameResponse)
	f.RequestID = requestID
	if err != nil {
		f.Error = err.Error()
		return f
	}
	f.Success = true
	if data != nil {
		raw, merr := json.Marshal(data)
		if merr == nil {
			f.Data = raw
		}
	}
	return f
}

// AuthenticatedFrame reports the authentication outcome.
func AuthenticatedFrame(requestID string, success bool) *OutboundFrame {
	f := newFrame(FrameAuthenticated)
	f.RequestID = requestID
	f.Success = success
	if !success {
		f.Error = "invalid token"
	}
	return f
}

// PongFrame answers a ping.
func PongFrame(requestID string) *OutboundFrame {
	f := newFrame(FramePong)
	f.RequestID = requestID
	return f
}

// AuctionStateFrame carries a whole, self-contained auction record.
func AuctionStateFrame(a *auction.Auction) *OutboundFrame {
	f := newFrame(FrameAuctionState)
	f.Auction = a
	return f
}

// NotificationFrame carries an unsolicited event for an auction.
func NotificationFrame(nt NotificationType, auctionID, message string) *OutboundFrame {
	f := newFrame(FrameNotification)
	f.NotificationType = nt
	f.AuctionID = auctionID
	f.Message = message
	return f
}

// RateLimitedFrame tells the client a command was refused.
func RateLimitedFrame(requestID string) *OutboundFrame {
	f := newFrame(FrameRateLimited)
	f.RequestID = requestID
	f.Error = "command rate limit exceeded"
	return f
}

// DisconnectedFrame announces a server-initiated shutdown.
func DisconnectedFrame(reason string) *OutboundFrame {
	f := newFrame(FrameDisconnected)
	f.Message = reason
	return f
}
