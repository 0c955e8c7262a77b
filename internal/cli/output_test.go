package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/memtier/internal/storage"
	"github.com/xtxerr/memtier/internal/storage/health"
	"github.com/xtxerr/memtier/internal/storage/stats"
	"github.com/xtxerr/memtier/internal/storage/types"
)

var fixedTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"))
}

func degradedReport() health.Report {
	online := map[types.Tier]bool{
		types.TierPrimary:   false,
		types.TierSecondary: true,
		types.TierTertiary:  true,
		types.TierEmergency: true,
	}
	r := health.Report{Timestamp: fixedTime, Overall: health.StatusDegraded}
	for _, tier := range types.AllTiers() {
		r.Tiers = append(r.Tiers, health.TierStatus{
			Tier:      tier,
			Backend:   tier.Backend(),
			Online:    online[tier],
			CheckedAt: fixedTime,
		})
	}
	return r
}

func sampleMetrics() storage.Metrics {
	return storage.Metrics{
		Timestamp:     fixedTime,
		Status:        health.StatusDegraded,
		CacheSize:     12,
		SyncQueueSize: 3,
		VolatileSize:  1,
		Health: map[string]bool{
			"memory_plugin": false,
			"local_cache":   true,
			"agent_memory":  true,
			"volatile_ram":  true,
		},
		Counters: stats.Counters{
			Stores:           15,
			Retrieves:        40,
			Queries:          2,
			FallbackWrites:   3,
			PromotionsOK:     5,
			PromotionsFailed: 1,
		},
	}
}

func TestRenderHealth_Golden(t *testing.T) {
	var buf bytes.Buffer
	RenderHealth(&buf, degradedReport(), sampleMetrics())
	newGoldie(t).Assert(t, "health_degraded", buf.Bytes())
}

func TestRenderMetrics_Golden(t *testing.T) {
	var buf bytes.Buffer
	RenderMetrics(&buf, sampleMetrics())
	newGoldie(t).Assert(t, "metrics", buf.Bytes())
}

func TestRenderSelfTest_Golden(t *testing.T) {
	steps := []StepResult{
		{Step: "store", Passed: true, Detail: "agent:forensic-analyst:test-evidence [3f2a9c1b] on primary"},
		{Step: "retrieve", Passed: true, Detail: "4 fields"},
		{Step: "integrity", Passed: true, Detail: "sha256 verified"},
		{Step: "health", Passed: true, Detail: "healthy (4/4 tiers online)"},
		{Step: "metrics", Passed: true, Detail: "cache=1 queue=0 volatile=0"},
	}

	t.Run("all pass", func(t *testing.T) {
		var buf bytes.Buffer
		RenderSelfTest(&buf, steps)
		newGoldie(t).Assert(t, "selftest_pass", buf.Bytes())
	})

	t.Run("one failure", func(t *testing.T) {
		failing := append([]StepResult(nil), steps...)
		failing[3] = StepResult{Step: "health", Passed: false, Detail: "offline (0/4 tiers online)"}
		failing[4] = StepResult{Step: "metrics", Passed: true}

		var buf bytes.Buffer
		RenderSelfTest(&buf, failing)
		newGoldie(t).Assert(t, "selftest_fail", buf.Bytes())
	})
}

func TestStatusLine(t *testing.T) {
	got := StatusLine(sampleMetrics())
	assert.Equal(t, "[2024-01-15T10:30:00Z] Cache: 12 | Queue: 3 | Volatile: 1 | Status: degraded", got)
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"failure", NewExitError(ExitFailure, "checks failed"), ExitFailure},
		{"wrapped", fmt.Errorf("outer: %w", NewExitError(ExitFailure, "inner")), ExitFailure},
		{"plain error", errors.New("boom"), ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestOutputFormatter(t *testing.T) {
	text := func(w io.Writer) { fmt.Fprintln(w, "plain") }

	t.Run("json emit", func(t *testing.T) {
		var buf bytes.Buffer
		f := &OutputFormatter{Format: "json", Writer: &buf}
		require.NoError(t, f.Emit(map[string]int{"n": 1}, text))
		assert.JSONEq(t, `{"status":"ok","data":{"n":1}}`, buf.String())
	})

	t.Run("json fail", func(t *testing.T) {
		var buf bytes.Buffer
		f := &OutputFormatter{Format: "json", Writer: &buf}
		require.NoError(t, f.Fail("2 checks failed", nil, text))
		assert.JSONEq(t, `{"status":"error","error":"2 checks failed"}`, buf.String())
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		f := &OutputFormatter{Format: "text", Writer: &buf}
		require.NoError(t, f.Emit(map[string]int{"n": 1}, text))
		assert.Equal(t, "plain\n", buf.String())
	})

	t.Run("verbose goes to err writer", func(t *testing.T) {
		var out, errOut bytes.Buffer
		f := &OutputFormatter{Format: "text", Writer: &out, ErrWriter: &errOut}
		f.VerboseLog("hidden %d", 1)
		f.Verbose = true
		f.VerboseLog("shown %d", 2)
		assert.Empty(t, out.String())
		assert.Equal(t, "shown 2\n", errOut.String())
	})
}
