package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/engramhq/engram/pkg/memcard"
)

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	ListenAddr      string
	RateLimitRPS    int
	RateLimitBurst  int
	JWTSecret       string // empty disables bearer auth
	ShutdownTimeout time.Duration
}

// Server wraps the gateway in an HTTP listener.
type Server struct {
	cfg ServerConfig
	gw  *Gateway
	mux *http.ServeMux

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer builds the route table.
func NewServer(cfg ServerConfig, gw *Gateway) *Server {
	s := &Server{cfg: cfg, gw: gw, mux: http.NewServeMux(), limiters: map[string]*rate.Limiter{}}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /reliability/report", s.handleReport)
	s.mux.HandleFunc("POST /memory/store", s.handleStore)
	s.mux.HandleFunc("POST /memory/query", s.handleQuery)
	s.mux.HandleFunc("POST /mcp", s.handleMCP)
	return s
}

// Run serves until ctx is canceled, then drains with the configured grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.withMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway: listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Handler exposes the wrapped mux for tests.
func (s *Server) Handler() http.Handler { return s.withMiddleware(s.mux) }

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	h := s.rateLimit(next)
	if s.cfg.JWTSecret != "" {
		h = s.requireJWT(h)
	}
	return h
}

// rateLimit applies a per-client token bucket keyed by remote IP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiterFor(clientIP(r)).Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"ok": false, "error_code": "rate_limited",
				"message": "too many requests", "retryable": true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		rps := s.cfg.RateLimitRPS
		if rps <= 0 {
			rps = 50
		}
		burst := s.cfg.RateLimitBurst
		if burst <= 0 {
			burst = rps * 2
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
		s.limiters[key] = lim
	}
	return lim
}

// requireJWT validates a HS256 bearer token. Health stays open for probes.
func (s *Server) requireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"ok": false, "error_code": "auth_error", "message": "missing bearer token", "retryable": false,
			})
			return
		}
		_, err := jwt.Parse(auth[len(prefix):], func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"ok": false, "error_code": "auth_error", "message": "invalid token", "retryable": false,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Health())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.gw.Report(r.Context(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok": false, "error_code": "http_error", "message": err.Error(), "retryable": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	correlationID := NewCorrelationID()

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusOK, StoreResult{OK: false, Action: "reject",
			CorrelationID: correlationID, Reason: "validation_error"})
		return
	}
	req, err := decodeStoreRequest(raw)
	if err != nil {
		writeJSON(w, http.StatusOK, StoreResult{OK: false, Action: "reject",
			CorrelationID: correlationID, Reason: "validation_error",
			Suggestion: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.gw.Store(r.Context(), correlationID, req))
}

type queryRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	correlationID := NewCorrelationID()

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, QueryResult{OK: false, CorrelationID: correlationID})
		return
	}
	writeJSON(w, http.StatusOK, s.gw.Query(r.Context(), correlationID, req.Query, req.Filters, req.Limit))
}

// decodeStoreRequest validates the card document against the wire schema
// before binding it, so malformed cards reject instead of half-parsing.
func decodeStoreRequest(raw map[string]any) (StoreRequest, error) {
	card, ok := raw["card"]
	if !ok {
		return StoreRequest{}, fmt.Errorf("missing card")
	}
	if err := memcard.ValidateJSON(card); err != nil {
		return StoreRequest{}, err
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return StoreRequest{}, err
	}
	var req StoreRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		return StoreRequest{}, err
	}
	if req.TargetSpace == "" {
		return StoreRequest{}, fmt.Errorf("missing target_space")
	}
	return req, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("gateway: response encode failed", "error", err)
	}
}
