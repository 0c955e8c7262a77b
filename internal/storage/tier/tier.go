// Package tier defines the contract every storage tier implements.
//
// A Backend serves exactly one types.Tier. The Service owns an ordered
// list of backends, one per tier, and uses the same order for write
// fallback, read fallback and query fan-out.
package tier

import (
	"context"

	"github.com/xtxerr/memtier/internal/storage/types"
)

// Backend is a storage tier.
//
// Failures are reported as *errors.TierError so that retry policies treat
// them as transient. A missing key is reported as errors.ErrNotFound and
// is never wrapped in a TierError.
type Backend interface {
	// Tier returns the tier this backend serves.
	Tier() types.Tier

	// Name returns the backend name used in logs and health reports.
	Name() string

	// Store writes rec, replacing any record with the same id.
	Store(ctx context.Context, rec types.Record) error

	// Retrieve reads the record stored under key. Backends that partition
	// by context use contextLabel; the others ignore it.
	Retrieve(ctx context.Context, key, contextLabel string) (types.Record, error)

	// Scan returns up to limit records matching text, case-insensitively,
	// anywhere in their serialized envelope. Empty text matches every
	// record. Order is backend-defined.
	Scan(ctx context.Context, text string, limit int) ([]types.Record, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Probe reports whether the backend can currently serve requests.
	Probe(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Sizer is implemented by backends that can report their record count
// cheaply.
type Sizer interface {
	Len() int
}

// Checkpointer is implemented by volatile backends that can persist a
// snapshot of their contents.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Names returns the backend names in order.
func Names(backends []Backend) []string {
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name()
	}
	return names
}
