package rest

import (
	"bytes"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	domerrors "github.com/davidleathers/auction-monitor-backend/internal/domain/errors"
)

// maxSignedBodySize bounds how much of a request body is buffered for
// signature verification.
const maxSignedBodySize = 1 << 20

type middleware func(http.Handler) http.Handler

// chain applies middlewares outermost-last.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for _, mw := range mws {
		h = mw(h)
	}
	return h
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
					zap.String("stack", string(debug.Stack())),
				)
				writeError(w, domerrors.NewInternalError("an internal error occurred"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latencies on the
// Prometheus registry served at /metrics.
func (s *Server) metricsMiddleware(reg *promclient.Registry) middleware {
	requests := promauto.With(reg).NewCounterVec(promclient.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by path and status.",
	}, []string{"path", "status"})
	duration := promauto.With(reg).NewHistogramVec(promclient.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by path.",
		Buckets: promclient.DefBuckets,
	}, []string{"path"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			requests.WithLabelValues(r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
			duration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// signatureMiddleware verifies request signatures on the /api/ paths.
// Verification is skipped entirely when no signing secret is configured
// and enforced when signing is marked required.
func (s *Server) signatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBodySize))
			if err != nil {
				writeError(w, domerrors.NewValidationError("UNREADABLE_BODY", "request body could not be read"))
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		if err := s.signer.VerifyRequest(r, body, s.cfg.Auth.SigningRequired); err != nil {
			s.logger.Warn("request signature rejected",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
