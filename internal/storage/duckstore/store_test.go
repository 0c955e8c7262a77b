package duckstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	merrors "github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/tier"
	"github.com/xtxerr/memtier/internal/storage/types"
)

var _ tier.Backend = (*Store)(nil)
var _ tier.Sizer = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ContextID = func(label string) string {
		if label == "case_specific" {
			return "CASE"
		}
		return "GLOBAL"
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, id string, content any, contextLabel string) types.Record {
	t.Helper()
	rec, err := types.NewRecord(id, content, types.TierPrimary, map[string]string{types.MetaContext: contextLabel})
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return rec
}

func TestStoreRetrieve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := record(t, "case:report-1", map[string]any{"finding": "x"}, "global")
	if err := s.Store(ctx, rec); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := s.Retrieve(ctx, "case:report-1", "global")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got.Content) != `{"finding":"x"}` {
		t.Errorf("Content = %s", got.Content)
	}
	if err := got.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, rec.Timestamp)
	}

	// Empty label means global.
	if _, err := s.Retrieve(ctx, "case:report-1", ""); err != nil {
		t.Errorf("Retrieve with empty context: %v", err)
	}
}

func TestContextsPartition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Store(ctx, record(t, "k", "global value", "global"))
	s.Store(ctx, record(t, "k", "case value", "case_specific"))

	g, err := s.Retrieve(ctx, "k", "global")
	if err != nil {
		t.Fatalf("Retrieve global: %v", err)
	}
	c, err := s.Retrieve(ctx, "k", "case_specific")
	if err != nil {
		t.Fatalf("Retrieve case: %v", err)
	}
	if string(g.Content) == string(c.Content) {
		t.Error("contexts should not share records")
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Delete should remove the key from every context, Len = %d", s.Len())
	}
}

func TestUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Store(ctx, record(t, "k", 1, "global"))
	s.Store(ctx, record(t, "k", 2, "global"))

	got, err := s.Retrieve(ctx, "k", "global")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got.Content) != "2" {
		t.Errorf("Content = %s, want 2", got.Content)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestRetrieveMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Retrieve(context.Background(), "nope", "global")
	if !merrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	older := record(t, "a", map[string]any{"finding": "Alpha"}, "global")
	older.Timestamp = time.Now().Add(-time.Hour).UTC()
	newer := record(t, "b", map[string]any{"finding": "alphabet"}, "case_specific")
	other := record(t, "c", map[string]any{"note": "zzz"}, "global")
	for _, r := range []types.Record{older, newer, other} {
		if err := s.Store(ctx, r); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	got, err := s.Scan(ctx, "ALPHA", 10)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Scan returned %d records, want 2", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("Scan should be newest first, got %s, %s", got[0].ID, got[1].ID)
	}

	all, _ := s.Scan(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("empty text should match all, got %d", len(all))
	}
	one, _ := s.Scan(ctx, "", 1)
	if len(one) != 1 {
		t.Errorf("limit ignored: %d", len(one))
	}
}

func TestProbe(t *testing.T) {
	s := newTestStore(t)
	if !s.Probe(context.Background()) {
		t.Error("open store should probe online")
	}
	s.Close()
	if s.Probe(context.Background()) {
		t.Error("closed store should probe offline")
	}
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.Enabled() || s.Probe(ctx) {
		t.Error("disabled store should be offline")
	}
	rec := record(t, "k", 1, "global")
	err = s.Store(ctx, rec)
	if !merrors.Is(err, merrors.ErrTierOffline) || !merrors.IsRetriable(err) {
		t.Errorf("Store on disabled store = %v", err)
	}
	if _, err := s.Retrieve(ctx, "k", ""); !merrors.Is(err, merrors.ErrTierOffline) {
		t.Errorf("Retrieve on disabled store = %v", err)
	}
}

func TestPersistentFile(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "memory.duckdb")

	cfg := DefaultConfig()
	cfg.DSN = dsn
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Store(ctx, record(t, "k", "kept", "global"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.Retrieve(ctx, "k", "global"); err != nil {
		t.Errorf("Retrieve after reopen: %v", err)
	}
}
