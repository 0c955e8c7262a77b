package testing

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/tier"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// ErrInjected is the cause of every failure a FakeTier injects.
var ErrInjected = errors.New("injected failure")

// Always makes a Fail* call fail every subsequent operation.
const Always = -1

// FakeTier is an in-memory tier backend whose failures and liveness are
// controlled by the test. Injected failures are returned as
// *errors.TierError, exactly like the real backends report I/O errors.
type FakeTier struct {
	tier types.Tier
	name string

	mu       sync.Mutex
	records  map[string]types.Record
	fails    map[string]int
	failErrs map[string]error
	holds    map[string]*hold

	online atomic.Bool
	calls  sync.Map // op -> *atomic.Int64
}

// NewFakeTier returns an empty, online, healthy fake for tier t.
func NewFakeTier(t types.Tier) *FakeTier {
	f := &FakeTier{
		tier:    t,
		name:    "fake_" + t.Backend(),
		records:  make(map[string]types.Record),
		fails:    make(map[string]int),
		failErrs: make(map[string]error),
		holds:    make(map[string]*hold),
	}
	f.online.Store(true)
	return f
}

// NewFakeTiers returns one fake per tier, in fallback order.
func NewFakeTiers() []*FakeTier {
	tiers := types.AllTiers()
	out := make([]*FakeTier, len(tiers))
	for i, t := range tiers {
		out[i] = NewFakeTier(t)
	}
	return out
}

// Backends converts fakes to the interface slice the Service takes.
func Backends(fakes []*FakeTier) []tier.Backend {
	out := make([]tier.Backend, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

// SetOnline controls what Probe reports.
func (f *FakeTier) SetOnline(online bool) { f.online.Store(online) }

// Fail makes the next n calls of op ("store", "retrieve", "scan",
// "delete") fail. Always makes every call fail; 0 heals op.
func (f *FakeTier) Fail(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op] = n
	delete(f.failErrs, op)
}

// FailWith is Fail with err returned as is instead of a TierError.
func (f *FakeTier) FailWith(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op] = n
	f.failErrs[op] = err
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

// Hold makes the next call of op block until release is called or the
// calling context is done. entered is closed once that call is waiting.
func (f *FakeTier) Hold(op string) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.holds[op] = h
	f.mu.Unlock()

	var once sync.Once
	return h.entered, func() { once.Do(func() { close(h.release) }) }
}

// wait blocks on a pending Hold for op. It runs before f.mu is taken so
// that other calls proceed while one is held.
func (f *FakeTier) wait(ctx context.Context, op string) error {
	f.mu.Lock()
	h := f.holds[op]
	delete(f.holds, op)
	f.mu.Unlock()
	if h == nil {
		return nil
	}

	close(h.entered)
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Break makes every operation fail and the probe report offline.
func (f *FakeTier) Break() {
	for _, op := range []string{"store", "retrieve", "scan", "delete"} {
		f.Fail(op, Always)
	}
	f.SetOnline(false)
}

// Heal clears every injected failure and brings the tier online.
func (f *FakeTier) Heal() {
	f.mu.Lock()
	clear(f.fails)
	clear(f.failErrs)
	f.mu.Unlock()
	f.SetOnline(true)
}

// Put stores rec directly, bypassing failure injection and counters.
func (f *FakeTier) Put(rec types.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
}

// Get returns the record stored under key.
func (f *FakeTier) Get(key string) (types.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	return rec, ok
}

// Len returns the number of stored records.
func (f *FakeTier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// Calls returns how many times op was invoked.
func (f *FakeTier) Calls(op string) int {
	v, ok := f.calls.Load(op)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

// begin counts the call and returns an injected failure, if any.
// Callers hold f.mu.
func (f *FakeTier) begin(op, key string) error {
	v, _ := f.calls.LoadOrStore(op, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)

	n := f.fails[op]
	if n == 0 {
		return nil
	}
	if n > 0 {
		f.fails[op] = n - 1
	}
	if err := f.failErrs[op]; err != nil {
		return err
	}
	return errors.NewTierError(f.tier.String(), op, key, ErrInjected)
}

// Tier implements tier.Backend.
func (f *FakeTier) Tier() types.Tier { return f.tier }

// Name implements tier.Backend.
func (f *FakeTier) Name() string { return f.name }

// Store implements tier.Backend.
func (f *FakeTier) Store(ctx context.Context, rec types.Record) error {
	if err := f.wait(ctx, "store"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("store", rec.ID); err != nil {
		return err
	}
	f.records[rec.ID] = rec
	return nil
}

// Retrieve implements tier.Backend.
func (f *FakeTier) Retrieve(ctx context.Context, key, _ string) (types.Record, error) {
	if err := f.wait(ctx, "retrieve"); err != nil {
		return types.Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("retrieve", key); err != nil {
		return types.Record{}, err
	}
	rec, ok := f.records[key]
	if !ok {
		return types.Record{}, errors.NewNotFound(f.name+" record", key)
	}
	return rec, nil
}

// Scan implements tier.Backend. Records are visited in id order.
func (f *FakeTier) Scan(ctx context.Context, text string, limit int) ([]types.Record, error) {
	if err := f.wait(ctx, "scan"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("scan", ""); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(f.records))
	for k := range f.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []types.Record
	for _, k := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		if rec := f.records[k]; rec.Matches(text) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete implements tier.Backend.
func (f *FakeTier) Delete(ctx context.Context, key string) error {
	if err := f.wait(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("delete", key); err != nil {
		return err
	}
	delete(f.records, key)
	return nil
}

// Probe implements tier.Backend.
func (f *FakeTier) Probe(ctx context.Context) bool { return f.online.Load() }

// Close implements tier.Backend.
func (f *FakeTier) Close() error { return nil }
