// Package websocket is the client-facing surface of the auction
// monitor. Clients hold one long-lived connection each, authenticate
// with the shared token, issue monitoring commands and receive
// auction-state broadcasts and notifications.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/domain/auction"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/metrics"
)

// CommandHandler executes client commands. Implemented by the monitor
// coordinator.
type CommandHandler interface {
	StartMonitoring(ctx context.Context, id string, cfg *auction.Config, meta *auction.Metadata) (*auction.Auction, error)
	StopMonitoring(ctx context.Context, id string) error
	UpdateConfig(ctx context.Context, id string, cfg *auction.Config) (*auction.Auction, error)
	PlaceBid(ctx context.Context, id string, amount int) error
	MonitoredAuctions(ctx context.Context) []*auction.Auction
	Settings(ctx context.Context) auction.GlobalSettings
	UpdateSettings(ctx context.Context, gs *auction.GlobalSettings) (auction.GlobalSettings, error)
	SetCookies(ctx context.Context, cookies string) error
}

// Hub manages WebSocket connections for auction monitoring.
type Hub struct {
	logger  *zap.Logger
	cfg     *config.HubConfig
	token   string
	metrics *metrics.Registry
	handler CommandHandler

	clients     map[uuid.UUID]*Client
	ipCounts    map[string]int
	clientsLock sync.RWMutex

	broadcast  chan *OutboundFrame
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates the hub. handler must be set via SetHandler before
// serving connections.
func NewHub(cfg *config.HubConfig, token string, m *metrics.Registry, logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		cfg:        cfg,
		token:      token,
		metrics:    m,
		clients:    make(map[uuid.UUID]*Client),
		ipCounts:   make(map[string]int),
		broadcast:  make(chan *OutboundFrame, 100),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetHandler wires the command handler. Must happen before Run.
func (h *Hub) SetHandler(handler CommandHandler) {
	h.handler = handler
}

// Run starts the hub loop.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-h.done:
			h.shutdown()
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case frame := <-h.broadcast:
			h.broadcastFrame(frame)
		case <-ticker.C:
			h.pingClients()
		}
	}
}

// Stop gracefully shuts down the hub.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// BroadcastAuctionState fans an auction record out to every
// authenticated client.
func (h *Hub) BroadcastAuctionState(a *auction.Auction) {
	select {
	case h.broadcast <- AuctionStateFrame(a):
	case <-h.done:
	}
}

// BroadcastNotification fans a notification out to every authenticated
// client.
func (h *Hub) BroadcastNotification(nt NotificationType, auctionID, message string) {
	select {
	case h.broadcast <- NotificationFrame(nt, auctionID, message):
	case <-h.done:
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()
	return len(h.clients)
}

// acquireIP reserves a connection slot for the address, enforcing the
// per-IP cap.
func (h *Hub) acquireIP(ip string) bool {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	if h.ipCounts[ip] >= h.cfg.MaxConnsPerIP {
		return false
	}
	h.ipCounts[ip]++
	return true
}

func (h *Hub) releaseIP(ip string) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	if h.ipCounts[ip] <= 1 {
		delete(h.ipCounts, ip)
	} else {
		h.ipCounts[ip]--
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clientsLock.Lock()
	h.clients[client.ID] = client
	h.clientsLock.Unlock()

	h.metrics.ConnectedClients.Add(context.Background(), 1)
	client.enqueue(ConnectedFrame(client.ID))
	h.logger.Info("client connected",
		zap.String("client_id", client.ID.String()),
		zap.String("remote_ip", client.ip),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.clientsLock.Lock()
	_, exists := h.clients[client.ID]
	if exists {
		delete(h.clients, client.ID)
		close(client.send)
	}
	h.clientsLock.Unlock()

	if exists {
		h.releaseIP(client.ip)
		h.metrics.ConnectedClients.Add(context.Background(), -1)
		h.logger.Info("client disconnected",
			zap.String("client_id", client.ID.String()),
		)
	}
}

func (h *Hub) broadcastFrame(frame *OutboundFrame) {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	for _, client := range h.clients {
		if !client.Authenticated() {
			continue
		}
		select {
		case client.send <- frame:
			h.metrics.FramesSent.Add(context.Background(), 1)
		default:
			h.metrics.FramesDropped.Add(context.Background(), 1)
			h.logger.Warn("client send buffer full, closing connection",
				zap.String("client_id", client.ID.String()),
			)
			go func(c *Client) {
				h.unregister <- c
			}(client)
		}
	}
}

func (h *Hub) pingClients() {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	idleLimit := 2 * h.cfg.PingInterval
	for _, client := range h.clients {
		if client.IdleFor() > idleLimit {
			h.logger.Info("closing idle client",
				zap.String("client_id", client.ID.String()),
				zap.Duration("idle", client.IdleFor()),
			)
			go func(c *Client) {
				h.unregister <- c
				c.conn.Close()
			}(client)
			continue
		}
		if err := client.conn.WriteControl(
			websocket.PingMessage,
			nil,
			time.Now().Add(10*time.Second),
		); err != nil {
			go func(c *Client) {
				h.unregister <- c
			}(client)
		}
	}
}

func (h *Hub) shutdown() {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	for _, client := range h.clients {
		// Best effort; the write pump delivers the frame and closes.
		select {
		case client.send <- DisconnectedFrame("server shutting down"):
		default:
		}
		close(client.send)
	}
	h.clients = make(map[uuid.UUID]*Client)
	h.ipCounts = make(map[string]int)
}
