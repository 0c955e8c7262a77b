// Package server exposes the memory store over HTTP.
//
// Routes:
//
//	GET    /api/records/:key   retrieve (?context=)
//	PUT    /api/records/:key   store    {"value": ..., "context": "..."}
//	DELETE /api/records/:key   delete
//	GET    /api/query          unified query (?q=&limit=)
//	GET    /api/health         probe every tier
//	GET    /api/metrics        store metrics as JSON
//	GET    /metrics            Prometheus exposition
//
// Health is reported, never enforced: requests are served in every state.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/memtier/config"
	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/logging"
	"github.com/xtxerr/memtier/internal/storage"
	"github.com/xtxerr/memtier/internal/storage/types"
)

var log = logging.Component("server")

// =============================================================================
// Rate Limiter for Rejected Requests
// =============================================================================

// RateLimiter blocks clients that keep sending bad requests.
//
// Only REJECTED requests (4xx answers) count. A client whose failures in
// the current window reach the limit gets 429 until the window ends.
// Successful requests do not reset the count.
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int           // max failures before blocking
	window   time.Duration // time window for counting failures

	stop chan struct{}
	once sync.Once
}

type rateLimitEntry struct {
	count     int       // number of rejected requests
	resetTime time.Time // when this entry expires
}

// NewRateLimiter creates a new rate limiter. A limit of zero or less
// disables it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}

	if limit > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// IsBlocked returns true if the IP has reached the failure limit.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	if rl.limit <= 0 {
		return false
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || time.Now().After(entry.resetTime) {
		return false
	}
	return entry.count >= rl.limit
}

// RecordFailure counts one rejected request from ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	if rl.limit <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.failures[ip]
	if !ok || now.After(entry.resetTime) {
		rl.failures[ip] = &rateLimitEntry{count: 1, resetTime: now.Add(rl.window)}
		return
	}
	entry.count++
}

// FailureCount returns the current failure count for an IP.
func (rl *RateLimiter) FailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if entry, ok := rl.failures[ip]; ok && time.Now().Before(entry.resetTime) {
		return entry.count
	}
	return 0
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	Listen          string
	ShutdownTimeout time.Duration

	// Rejected requests allowed per client and window before 429.
	FailureLimit  int
	FailureWindow time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          config.DefaultListenAddress,
		ShutdownTimeout: config.DefaultShutdownTimeoutSec * time.Second,
		FailureLimit:    100,
		FailureWindow:   time.Minute,
	}
}

// =============================================================================
// Server
// =============================================================================

// Server is the HTTP API over a memory store.
type Server struct {
	cfg     *Config
	svc     *storage.Service
	engine  *gin.Engine
	limiter *RateLimiter

	mu     sync.Mutex
	http   *http.Server
	closed bool
}

// New creates a server. Routes are registered immediately, so Handler can
// be used without Run.
func New(cfg *Config, svc *storage.Service) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		engine:  gin.New(),
		limiter: NewRateLimiter(cfg.FailureLimit, cfg.FailureWindow),
	}

	s.engine.Use(gin.Recovery(), s.requestContext, s.rateLimit)

	api := s.engine.Group("/api")
	api.GET("/records/:key", s.handleRetrieve)
	api.PUT("/records/:key", s.handleStore)
	api.DELETE("/records/:key", s.handleDelete)
	api.GET("/query", s.handleQuery)
	api.GET("/health", s.handleHealth)
	api.GET("/metrics", s.handleMetrics)

	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(svc.Collector().Registry(), promhttp.HandlerOpts{})))
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on the configured address and blocks until Shutdown.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Listen)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.http = srv
	s.mu.Unlock()

	log.Info("http api listening", "address", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down")
	s.limiter.Stop()

	s.mu.Lock()
	s.closed = true
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	log.Info("shutdown complete")
	return err
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) requestContext(c *gin.Context) {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), id))

	start := time.Now()
	c.Next()
	logging.WithContext(c.Request.Context()).Debug("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func (s *Server) rateLimit(c *gin.Context) {
	ip := c.ClientIP()
	if s.limiter.IsBlocked(ip) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "too many rejected requests"})
		return
	}
	c.Next()
	if st := c.Writer.Status(); st >= 400 && st < 500 && st != http.StatusNotFound {
		s.limiter.RecordFailure(ip)
	}
}

// =============================================================================
// Handlers
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

// StoreRequest is the body of PUT /api/records/:key.
type StoreRequest struct {
	Value   json.RawMessage `json:"value"`
	Context string          `json:"context,omitempty"`
}

// QueryResponse is the body of GET /api/query.
type QueryResponse struct {
	Query   string         `json:"query"`
	Count   int            `json:"count"`
	Results []types.Record `json:"results"`
}

func fail(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(c.Request.Context()).Error("request failed",
			"path", c.FullPath(), "error", err)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) handleRetrieve(c *gin.Context) {
	key := c.Param("key")
	rec, found, err := s.svc.Retrieve(c.Request.Context(), key, c.Query("context"))
	if err != nil {
		fail(c, err)
		return
	}
	if !found {
		fail(c, errors.NewNotFound("record", key))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleStore(c *gin.Context) {
	var req StoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.Wrapf(errors.ErrInvalidValue, "request body: %v", err))
		return
	}
	if len(req.Value) == 0 {
		fail(c, errors.NewMissingField("value"))
		return
	}

	rec, err := s.svc.Store(c.Request.Context(), c.Param("key"), req.Value, req.Context)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDelete(c *gin.Context) {
	key := c.Param("key")
	if err := s.svc.Delete(c.Request.Context(), key); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

func (s *Server) handleQuery(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail(c, errors.NewInvalidValue("limit", v, "not a number"))
			return
		}
		limit = n
	}

	q := c.Query("q")
	recs, err := s.svc.Query(c.Request.Context(), q, limit)
	if err != nil {
		fail(c, err)
		return
	}
	if recs == nil {
		recs = []types.Record{}
	}
	c.JSON(http.StatusOK, QueryResponse{Query: q, Count: len(recs), Results: recs})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Health(c.Request.Context()))
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Metrics())
}
