// Package filecache implements the secondary tier: one indented JSON
// envelope per record under a cache directory.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	merrors "github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// Name is the backend name reported in health output.
var Name = types.TierSecondary.Backend()

const (
	ext         = ".json"
	tmpPrefix   = ".tmp-"
	probePrefix = ".probe-"
)

// Cache is the secondary tier.
type Cache struct {
	dir string
}

// New returns a cache rooted at dir. The directory is created on first
// write.
func New(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) Tier() types.Tier { return types.TierSecondary }
func (c *Cache) Name() string     { return Name }

// path maps a key to its file. Keys are path-escaped so that separators
// in agent keys cannot leave the directory.
func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, url.PathEscape(key)+ext)
}

func (c *Cache) Store(ctx context.Context, rec types.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := types.MarshalEnvelopeIndent(rec)
	if err != nil {
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}

	target := c.path(rec.ID)
	tmp, err := os.CreateTemp(c.dir, tmpPrefix+"*")
	if err != nil {
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	return nil
}

func (c *Cache) Retrieve(ctx context.Context, key, _ string) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	data, err := os.ReadFile(c.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return types.Record{}, merrors.NewNotFound(Name, key)
	}
	if err != nil {
		return types.Record{}, merrors.NewTierError(Name, "retrieve", key, err)
	}
	rec, err := types.UnmarshalEnvelope(data)
	if err != nil {
		return types.Record{}, merrors.NewTierError(Name, "retrieve", key, fmt.Errorf("decode envelope: %w", err))
	}
	return rec, nil
}

// Scan reads every envelope in file name order. Unreadable files are
// skipped.
func (c *Cache) Scan(ctx context.Context, text string, limit int) ([]types.Record, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, merrors.NewTierError(Name, "scan", "", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []types.Record
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		if !isEnvelope(e) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			continue
		}
		rec, err := types.UnmarshalEnvelope(data)
		if err != nil {
			continue
		}
		if rec.Matches(text) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(c.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return merrors.NewTierError(Name, "delete", key, err)
	}
	return nil
}

// Probe reports whether the directory exists and accepts writes.
func (c *Cache) Probe(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return writable(c.dir)
}

// Len counts the envelopes on disk.
func (c *Cache) Len() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if isEnvelope(e) {
			n++
		}
	}
	return n
}

func (c *Cache) Close() error { return nil }

func isEnvelope(e os.DirEntry) bool {
	name := e.Name()
	return !e.IsDir() && strings.HasSuffix(name, ext) &&
		!strings.HasPrefix(name, tmpPrefix) && !strings.HasPrefix(name, probePrefix)
}

// writable reports whether a file can be created in dir.
func writable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(dir, probePrefix+"*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
