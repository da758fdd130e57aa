// Package rest exposes the HTTP surface: the websocket upgrade path,
// health and metrics endpoints, and a small signed read-only API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/api/websocket"
	domerrors "github.com/davidleathers/auction-monitor-backend/internal/domain/errors"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/auth"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/store"
	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/upstream"
	"github.com/davidleathers/auction-monitor-backend/internal/service/monitor"
)

// Server hosts the HTTP listener.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	hub     *websocket.Hub
	coord   *monitor.Coordinator
	store   store.Store
	breaker *upstream.Breaker
	signer  *auth.Signer
	httpSrv *http.Server
	started time.Time
}

// NewServer wires the routes and middleware chain. breaker may be nil
// when circuit breaking is disabled. promReg is the registry backing
// /metrics.
func NewServer(cfg *config.Config, hub *websocket.Hub, coord *monitor.Coordinator, st store.Store, breaker *upstream.Breaker, signer *auth.Signer, promReg *promclient.Registry, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     hub,
		coord:   coord,
		store:   st,
		breaker: breaker,
		signer:  signer,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/v1/auctions", s.handleListAuctions)
	mux.HandleFunc("GET /api/v1/auctions/{id}/bids", s.handleBidHistory)

	handler := chain(mux,
		s.signatureMiddleware,
		s.metricsMiddleware(promReg),
		s.loggingMiddleware,
		s.recoveryMiddleware,
	)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with the configured
// shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Breaker string `json:"breaker"`
	Clients int    `json:"clients"`
	UptimeS int64  `json:"uptimeSeconds"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Store:   s.store.Health().String(),
		Breaker: "disabled",
		Clients: s.hub.ClientCount(),
		UptimeS: int64(time.Since(s.started).Seconds()),
		Version: s.cfg.Version,
	}
	if s.breaker != nil {
		resp.Breaker = s.breaker.State().String()
	}

	code := http.StatusOK
	if s.store.Health() == store.HealthDown {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions := s.coord.MonitoredAuctions(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"auctions": auctions})
}

func (s *Server) handleBidHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, domerrors.NewValidationError("MISSING_AUCTION_ID", "auction id is required"))
		return
	}
	history, err := s.coord.BidHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": history})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	body := map[string]any{"error": map[string]any{
		"code":    "INTERNAL_ERROR",
		"message": "an internal error occurred",
	}}

	var appErr *domerrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case domerrors.ErrorTypeValidation:
			code = http.StatusBadRequest
		case domerrors.ErrorTypeAuth:
			code = http.StatusUnauthorized
		case domerrors.ErrorTypeNotFound:
			code = http.StatusNotFound
		case domerrors.ErrorTypeConflict:
			code = http.StatusConflict
		case domerrors.ErrorTypeRateLimited:
			code = http.StatusTooManyRequests
		}
		body["error"] = map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
		}
	}
	writeJSON(w, code, body)
}
