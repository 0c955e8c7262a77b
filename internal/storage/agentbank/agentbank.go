// Package agentbank implements the tertiary tier: one LevelDB memory bank
// per agent under the agents directory.
//
// Keys of the form agent:<agent>:<rest> are stored in the bank of <agent>.
// Every other key goes to the shared bank.
package agentbank

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	merrors "github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// Name is the backend name reported in health output.
var Name = types.TierTertiary.Backend()

const (
	// SharedBank receives keys that do not name an agent.
	SharedBank = "_shared"

	// AgentPrefix starts every agent-scoped key.
	AgentPrefix = "agent:"

	bankDir = "memory"
	bankDB  = "bank.ldb"
)

// Banks is the tertiary tier.
type Banks struct {
	root string

	mu     sync.Mutex
	open   map[string]*leveldb.DB
	closed bool
}

// New returns banks rooted at the agents directory. Banks are opened on
// first use.
func New(root string) *Banks {
	return &Banks{root: root, open: make(map[string]*leveldb.DB)}
}

func (b *Banks) Tier() types.Tier { return types.TierTertiary }
func (b *Banks) Name() string     { return Name }

// BankFor returns the bank that holds key.
func BankFor(key string) string {
	rest, ok := strings.CutPrefix(key, AgentPrefix)
	if !ok {
		return SharedBank
	}
	agent, _, ok := strings.Cut(rest, ":")
	if !ok || !validAgent(agent) {
		return SharedBank
	}
	return agent
}

func validAgent(agent string) bool {
	if agent == "" || agent == "." || agent == ".." || agent == SharedBank {
		return false
	}
	return !strings.ContainsAny(agent, `/\`)
}

// Path returns the on-disk location of a bank.
func (b *Banks) Path(bank string) string {
	return filepath.Join(b.root, bank, bankDir, bankDB)
}

func (b *Banks) db(bank string) (*leveldb.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, merrors.ErrClosed
	}
	if db, ok := b.open[bank]; ok {
		return db, nil
	}
	path := b.Path(bank)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	b.open[bank] = db
	return db, nil
}

func (b *Banks) Store(ctx context.Context, rec types.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := types.MarshalEnvelope(rec)
	if err != nil {
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	db, err := b.db(BankFor(rec.ID))
	if err != nil {
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	if err := db.Put([]byte(rec.ID), data, nil); err != nil {
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	return nil
}

func (b *Banks) Retrieve(ctx context.Context, key, _ string) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	bank := BankFor(key)
	if !b.exists(bank) {
		return types.Record{}, merrors.NewNotFound(Name, key)
	}
	db, err := b.db(bank)
	if err != nil {
		return types.Record{}, merrors.NewTierError(Name, "retrieve", key, err)
	}
	data, err := db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return types.Record{}, merrors.NewNotFound(Name, key)
	}
	if err != nil {
		return types.Record{}, merrors.NewTierError(Name, "retrieve", key, err)
	}
	rec, err := types.UnmarshalEnvelope(data)
	if err != nil {
		return types.Record{}, merrors.NewTierError(Name, "retrieve", key, err)
	}
	return rec, nil
}

// Scan walks every bank on disk in name order, then each bank in key
// order.
func (b *Banks) Scan(ctx context.Context, text string, limit int) ([]types.Record, error) {
	banks, err := b.Discover()
	if err != nil {
		return nil, merrors.NewTierError(Name, "scan", "", err)
	}

	var out []types.Record
	for _, bank := range banks {
		db, err := b.db(bank)
		if err != nil {
			return out, merrors.NewTierError(Name, "scan", bank, err)
		}
		it := db.NewIterator(nil, nil)
		for it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				it.Release()
				return out, err
			}
			rec, err := types.UnmarshalEnvelope(it.Value())
			if err != nil {
				continue
			}
			if rec.Matches(text) {
				out = append(out, rec)
			}
		}
		it.Release()
		if err := it.Error(); err != nil {
			return out, merrors.NewTierError(Name, "scan", bank, err)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Discover lists the banks present on disk.
func (b *Banks) Discover() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.root, "*", bankDir, bankDB))
	if err != nil {
		return nil, err
	}
	banks := make([]string, 0, len(matches))
	for _, m := range matches {
		banks = append(banks, filepath.Base(filepath.Dir(filepath.Dir(m))))
	}
	sort.Strings(banks)
	return banks, nil
}

func (b *Banks) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bank := BankFor(key)
	if !b.exists(bank) {
		return nil
	}
	db, err := b.db(bank)
	if err != nil {
		return merrors.NewTierError(Name, "delete", key, err)
	}
	if err := db.Delete([]byte(key), nil); err != nil {
		return merrors.NewTierError(Name, "delete", key, err)
	}
	return nil
}

// Probe reports whether the agents directory exists and accepts writes.
func (b *Banks) Probe(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false
	}
	info, err := os.Stat(b.root)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(b.root, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// Close closes every open bank.
func (b *Banks) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for name, db := range b.open {
		if err := db.Close(); err != nil {
			errs = append(errs, merrors.Wrapf(err, "close bank %s", name))
		}
	}
	b.open = nil
	return errors.Join(errs...)
}

// exists reports whether bank is open or present on disk, so that reads
// of unknown agents do not create empty banks.
func (b *Banks) exists(bank string) bool {
	b.mu.Lock()
	_, ok := b.open[bank]
	b.mu.Unlock()
	if ok {
		return true
	}
	_, err := os.Stat(b.Path(bank))
	return err == nil
}
