package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/moltbunker/stakedash/internal/config"
	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
)

// Server is the dashboard HTTP API server
type Server struct {
	config     *ServerConfig
	app        *dashboard.App
	metrics    *metrics.Collector
	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
	running    bool

	wsHub *WebSocketHub

	// Per-IP rate limiters
	rateLimiters sync.Map

	rateLimitCtx    context.Context
	rateLimitCancel context.CancelFunc
}

// rateLimiterEntry holds a rate limiter and the last time it was used
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	HTTPAddr string

	// Rate limiting: RateLimitRequests per RateLimitWindow, 0 disables
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int

	MaxRequestSize int64

	// Proxy trust (only enable behind a trusted reverse proxy)
	TrustProxy bool

	// Origins allowed to open the websocket stream (empty = same host only)
	AllowedOrigins []string

	ReadTimeout time.Duration
	IdleTimeout time.Duration
	// WriteTimeout bounds each websocket frame write.
	WriteTimeout time.Duration

	// LoadTimeout bounds the reads behind GET /{tier}.
	LoadTimeout time.Duration

	Version string
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPAddr:          "127.0.0.1:8080",
		RateLimitRequests: 120,
		RateLimitWindow:   time.Minute,
		RateLimitBurst:    20,
		MaxRequestSize:    64 * 1024,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      10 * time.Second,
		LoadTimeout:       20 * time.Second,
		Version:           "dev",
	}
}

// ServerConfigFrom maps the api section of the dashboard config.
func ServerConfigFrom(c config.APIConfig, version string) *ServerConfig {
	cfg := DefaultServerConfig()
	if c.HTTPAddr != "" {
		cfg.HTTPAddr = c.HTTPAddr
	}
	cfg.RateLimitRequests = c.RateLimitRequests
	if c.RateLimitWindowSecs > 0 {
		cfg.RateLimitWindow = time.Duration(c.RateLimitWindowSecs) * time.Second
	}
	if c.RateLimitBurst > 0 {
		cfg.RateLimitBurst = c.RateLimitBurst
	}
	if c.MaxRequestSize > 0 {
		cfg.MaxRequestSize = int64(c.MaxRequestSize)
	}
	if c.ReadTimeoutSecs > 0 {
		cfg.ReadTimeout = time.Duration(c.ReadTimeoutSecs) * time.Second
	}
	if c.WriteTimeoutSecs > 0 {
		cfg.WriteTimeout = time.Duration(c.WriteTimeoutSecs) * time.Second
	}
	if c.IdleTimeoutSecs > 0 {
		cfg.IdleTimeout = time.Duration(c.IdleTimeoutSecs) * time.Second
	}
	cfg.AllowedOrigins = c.AllowedOrigins
	cfg.TrustProxy = c.TrustProxy
	if version != "" {
		cfg.Version = version
	}
	return cfg
}

// NewServer creates a server over app. m may be nil.
func NewServer(app *dashboard.App, cfg *ServerConfig, m *metrics.Collector) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	return &Server{
		config:  cfg,
		app:     app,
		metrics: m,
		wsHub:   NewWebSocketHub(cfg.WriteTimeout),
	}
}

// Start listens on HTTPAddr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.config.HTTPAddr, err)
	}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	if s.config.RateLimitRequests > 0 {
		s.rateLimitCtx, s.rateLimitCancel = context.WithCancel(ctx)
		s.startRateLimiterCleanup()
	}

	go s.wsHub.Run(ctx)

	// ReadHeaderTimeout (not ReadTimeout) so header parsing is bounded but
	// long-lived websocket streams are not cut off.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	go func() {
		logging.Info("HTTP API server starting",
			"addr", ln.Addr().String(),
			logging.Component("api"))

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server error",
				logging.Err(err),
				logging.Component("api"))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the HTTP API server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		if serr := s.httpServer.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("HTTP server shutdown: %w", serr)
		}
	}
	s.wsHub.CloseAll()
	if s.rateLimitCancel != nil {
		s.rateLimitCancel()
	}

	logging.Info("API server stopped", logging.Component("api"))
	return err
}

// Handler returns the routed handler tree.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Hub returns the websocket hub for broadcasts.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// buildRouter builds the HTTP router with all handlers
func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	// Dashboard
	mux.HandleFunc("GET /{$}", s.withMiddleware("index", s.handleIndex))
	mux.HandleFunc("GET /{tier}", s.withMiddleware("view", s.handleView))
	mux.HandleFunc("GET /{tier}/ws", s.withMiddleware("stream", s.handleStream))

	// Actions
	mux.HandleFunc("POST /{tier}/stake", s.withMiddleware("stake", s.handleStake))
	mux.HandleFunc("POST /{tier}/unstake", s.withMiddleware("unstake", s.handleUnstake))
	mux.HandleFunc("POST /{tier}/probe", s.withMiddleware("probe", s.handleProbe))
	mux.HandleFunc("POST /claim", s.withMiddleware("claim", s.handleClaim))
	mux.HandleFunc("POST /referral", s.withMiddleware("referral", s.handleReferral))
	mux.HandleFunc("POST /actions/{slot}/retry", s.withMiddleware("retry", s.handleRetry))
	mux.HandleFunc("POST /actions/{slot}/dismiss", s.withMiddleware("dismiss", s.handleDismiss))

	// Health and metrics are not rate limited
	mux.HandleFunc("GET /health", s.handleHealthCheck)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return mux
}

// withMiddleware wraps a handler with rate limiting, the body size limit and
// request accounting.
func (s *Server) withMiddleware(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() { s.metrics.RecordRequest(route, rec.status) }()

		if s.config.RateLimitRequests > 0 {
			ip := s.extractClientIP(r)
			limiter := s.getRateLimiter(ip)
			if !limiter.Allow() {
				logging.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
					logging.Component("api"))
				retryAfter := int(s.config.RateLimitWindow.Seconds())
				rec.Header().Set("Content-Type", "application/json")
				rec.Header().Set("Retry-After", fmt.Sprint(retryAfter))
				rec.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(rec, `{"error": "rate limit exceeded", "retry_after": %d}`, retryAfter)
				return
			}
		}

		if r.Body != nil && s.config.MaxRequestSize > 0 {
			r.Body = http.MaxBytesReader(rec, r.Body, s.config.MaxRequestSize)
		}
		handler(rec, r)
	}
}

// statusRecorder captures the response code. It forwards Hijack so the
// websocket upgrade still works behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// getRateLimiter returns the rate limiter for the given IP address.
// It creates a new limiter if one does not already exist.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now()

	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeen = now
		return entry.limiter
	}

	window := s.config.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	burst := s.config.RateLimitBurst
	if burst <= 0 || burst > s.config.RateLimitRequests {
		burst = s.config.RateLimitRequests
	}
	limiter := rate.NewLimiter(rate.Limit(float64(s.config.RateLimitRequests)/window.Seconds()), burst)

	entry := &rateLimiterEntry{
		limiter:  limiter,
		lastSeen: now,
	}
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

// extractClientIP extracts the client IP address from the request.
// Proxy headers are only trusted when TrustProxy is set.
func (s *Server) extractClientIP(r *http.Request) string {
	if s.config.TrustProxy {
		if cfIP := r.Header.Get("CF-Connecting-IP"); cfIP != "" {
			return strings.TrimSpace(cfIP)
		}

		// X-Forwarded-For: use the first (leftmost) IP
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// startRateLimiterCleanup starts a goroutine that periodically removes stale rate limiters
func (s *Server) startRateLimiterCleanup() {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-s.rateLimitCtx.Done():
				return
			case <-ticker.C:
				s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
			}
		}
	}()
}

// cleanupRateLimiters removes rate limiter entries not seen since threshold
func (s *Server) cleanupRateLimiters(threshold time.Time) {
	var cleaned int
	s.rateLimiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		if entry.lastSeen.Before(threshold) {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
}
