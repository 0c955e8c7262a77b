package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xtxerr/memtier/internal/storage"
	"github.com/xtxerr/memtier/internal/storage/health"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Self-check failure
	ExitCommandError = 2 // Command error (bad config, unusable paths, etc.)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Errors that are not an ExitError are command errors.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string `json:"status"`         // "ok" or "error"
	Data   any    `json:"data,omitempty"` // success payload
	Error  string `json:"error,omitempty"`
}

// JSON reports whether output is JSON.
func (f *OutputFormatter) JSON() bool { return f.Format == "json" }

// Emit writes data as a JSON response, or calls text to render it.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.JSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Fail writes a failure response carrying data. Text output is rendered
// by text, like Emit.
func (f *OutputFormatter) Fail(message string, data any, text func(w io.Writer)) error {
	if f.JSON() {
		return f.encode(CLIResponse{Status: "error", Data: data, Error: message})
	}
	text(f.Writer)
	return nil
}

func (f *OutputFormatter) encode(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// =============================================================================
// Text rendering
// =============================================================================

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func mark(online bool) (string, string) {
	if online {
		return "✓", "online"
	}
	return "✗", "offline"
}

// RenderHealth writes the health report and storage sizes.
func RenderHealth(w io.Writer, report health.Report, m storage.Metrics) {
	fmt.Fprintf(w, "Overall Status: %s\n", strings.ToUpper(report.Overall.String()))
	fmt.Fprintf(w, "Timestamp: %s\n", stamp(report.Timestamp))
	fmt.Fprintf(w, "\nTier Status:\n")
	for _, ts := range report.Tiers {
		sym, state := mark(ts.Online)
		fmt.Fprintf(w, "  %s %s (%s): %s\n", sym, ts.Backend, ts.Tier, state)
	}
	fmt.Fprintf(w, "\nStorage:\n")
	fmt.Fprintf(w, "  Cache: %d records\n", m.CacheSize)
	fmt.Fprintf(w, "  Queue: %d pending\n", m.SyncQueueSize)
	fmt.Fprintf(w, "  Volatile: %d records\n", m.VolatileSize)
}

// RenderMetrics writes metrics as indented key: value lines.
func RenderMetrics(w io.Writer, m storage.Metrics) {
	fmt.Fprintf(w, "timestamp: %s\n", stamp(m.Timestamp))
	fmt.Fprintf(w, "overall_status: %s\n", m.Status)
	fmt.Fprintf(w, "cache_size: %d\n", m.CacheSize)
	fmt.Fprintf(w, "sync_queue_size: %d\n", m.SyncQueueSize)
	fmt.Fprintf(w, "volatile_size: %d\n", m.VolatileSize)

	names := make([]string, 0, len(m.Health))
	for name := range m.Health {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "tier_health:\n")
	for _, name := range names {
		_, state := mark(m.Health[name])
		fmt.Fprintf(w, "  %s: %s\n", name, state)
	}

	c := m.Counters
	fmt.Fprintf(w, "counters:\n")
	for _, kv := range []struct {
		name string
		v    int64
	}{
		{"stores", c.Stores},
		{"retrieves", c.Retrieves},
		{"queries", c.Queries},
		{"fallback_writes", c.FallbackWrites},
		{"exhausted", c.Exhausted},
		{"integrity_failures", c.IntegrityFailures},
		{"promotions_ok", c.PromotionsOK},
		{"promotions_failed", c.PromotionsFailed},
		{"queue_rejected", c.QueueRejected},
	} {
		fmt.Fprintf(w, "  %s: %d\n", kv.name, kv.v)
	}
}

// StatusLine is the one-line summary "run" prints periodically.
func StatusLine(m storage.Metrics) string {
	return fmt.Sprintf("[%s] Cache: %d | Queue: %d | Volatile: %d | Status: %s",
		stamp(m.Timestamp), m.CacheSize, m.SyncQueueSize, m.VolatileSize, m.Status)
}

// StepResult is the outcome of one self-check step.
type StepResult struct {
	Step   string `json:"step"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RenderSelfTest writes one line per step and a summary.
func RenderSelfTest(w io.Writer, steps []StepResult) {
	passed := 0
	for _, s := range steps {
		verdict := "FAIL"
		if s.Passed {
			verdict = "PASS"
			passed++
		}
		if s.Detail == "" {
			fmt.Fprintf(w, "[%s] %s\n", verdict, s.Step)
		} else {
			fmt.Fprintf(w, "[%s] %s: %s\n", verdict, s.Step, s.Detail)
		}
	}
	if passed == len(steps) {
		fmt.Fprintf(w, "\nAll %d checks passed\n", len(steps))
	} else {
		fmt.Fprintf(w, "\n%d/%d checks passed\n", passed, len(steps))
	}
}
