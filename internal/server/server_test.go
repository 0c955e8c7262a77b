package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/memtier/internal/logging"
	"github.com/xtxerr/memtier/internal/storage"
	"github.com/xtxerr/memtier/internal/storage/config"
	"github.com/xtxerr/memtier/internal/storage/types"
	testutil "github.com/xtxerr/memtier/internal/testing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, cfg *Config) (*Server, []*testutil.FakeTier) {
	t.Helper()
	scfg := config.DefaultConfig()
	scfg.DataDir = t.TempDir()
	fakes := testutil.NewFakeTiers()
	svc, err := storage.New(scfg, testutil.Backends(fakes),
		storage.WithLogger(logging.Discard()),
		storage.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	s := New(cfg, svc)
	t.Cleanup(s.limiter.Stop)
	return s, fakes
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestRecordLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(s, http.MethodPut, "/api/records/case:report-1", `{"value":{"finding":"x"},"context":"global"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var stored types.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, "case:report-1", stored.ID)
	assert.Equal(t, types.TierPrimary, stored.Tier)
	assert.True(t, stored.VerifyIntegrity())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/api/records/case:report-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got types.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.JSONEq(t, `{"finding":"x"}`, string(got.Content))
	assert.Equal(t, stored.Hash, got.Hash)

	w = do(s, http.MethodGet, "/api/query?q=finding", "")
	require.Equal(t, http.StatusOK, w.Code)
	var qr QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &qr))
	assert.Equal(t, 1, qr.Count)

	w = do(s, http.MethodDelete, "/api/records/case:report-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/api/records/case:report-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStoreRejectsBadBodies(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing value", `{"context":"global"}`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPut, "/api/records/k", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestStoreExhaustedIsUnavailable(t *testing.T) {
	s, fakes := newTestServer(t, nil)
	for _, f := range fakes {
		f.Break()
	}

	w := do(s, http.MethodPut, "/api/records/k", `{"value":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthDoesNotGate(t *testing.T) {
	s, fakes := newTestServer(t, nil)
	fakes[0].SetOnline(false)

	w := do(s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"overall_status":"degraded"`)

	w = do(s, http.MethodPut, "/api/records/k", `{"value":"still works"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQueryLimit(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for _, k := range []string{"a", "b", "c"} {
		w := do(s, http.MethodPut, "/api/records/"+k, `{"value":"`+k+`"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(s, http.MethodGet, "/api/query?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var qr QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &qr))
	assert.Equal(t, 2, qr.Count)
	assert.Len(t, qr.Results, 2)

	w = do(s, http.MethodGet, "/api/query?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(s, http.MethodGet, "/api/query?q=nothing-matches-this", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"results":[]`)
}

func TestMetricsEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	do(s, http.MethodPut, "/api/records/k", `{"value":1}`)

	w := do(s, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.EqualValues(t, 1, m["cache_size"])
	assert.Contains(t, m, "sync_queue_size")
	assert.Contains(t, m, "volatile_size")
	assert.Contains(t, m, "tier_health")

	w = do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memtier_")
}

func TestRateLimiterBlocksRepeatedRejects(t *testing.T) {
	s, _ := newTestServer(t, &Config{FailureLimit: 2, FailureWindow: time.Minute, ShutdownTimeout: time.Second})

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPut, "/api/records/k", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPut, "/api/records/k", `{`).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodGet, "/api/health", "").Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.False(t, rl.IsBlocked("10.0.0.1"))
		rl.RecordFailure("10.0.0.1")
	}
	assert.True(t, rl.IsBlocked("10.0.0.1"))
	assert.False(t, rl.IsBlocked("10.0.0.2"))
	assert.Equal(t, 3, rl.FailureCount("10.0.0.1"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, rl.IsBlocked("10.0.0.1"))
	assert.Equal(t, 0, rl.FailureCount("10.0.0.1"))
}

func TestDisabledRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	defer rl.Stop()
	for i := 0; i < 10; i++ {
		rl.RecordFailure("ip")
	}
	assert.False(t, rl.IsBlocked("ip"))
}

func TestServeAndShutdown(t *testing.T) {
	s, _ := newTestServer(t, &Config{Listen: "127.0.0.1:0", ShutdownTimeout: time.Second})

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	require.NoError(t, testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.http != nil
	}))
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, testutil.WithTimeout(2*time.Second, func() error { return <-done }))
}
