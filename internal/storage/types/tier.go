package types

import (
	"fmt"
	"strings"
)

// Tier identifies a storage tier. The numeric order is the fallback order
// for writes and reads and the fan-out order for queries.
type Tier int

const (
	// TierPrimary is the durable memory plugin store. Writes that land
	// anywhere else are promoted here in the background.
	TierPrimary Tier = iota

	// TierSecondary is the on-disk local cache.
	TierSecondary

	// TierTertiary is the per-agent memory bank.
	TierTertiary

	// TierEmergency is in-process volatile storage. It is always online.
	TierEmergency
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	case TierEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Backend returns the name of the storage that serves the tier.
func (t Tier) Backend() string {
	switch t {
	case TierPrimary:
		return "memory_plugin"
	case TierSecondary:
		return "local_cache"
	case TierTertiary:
		return "agent_memory"
	case TierEmergency:
		return "volatile_ram"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the four defined tiers.
func (t Tier) Valid() bool {
	return t >= TierPrimary && t <= TierEmergency
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText accepts either the tier name or its backend name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier parses a tier name ("primary") or backend name ("memory_plugin").
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "memory_plugin":
		return TierPrimary, nil
	case "secondary", "local_cache":
		return TierSecondary, nil
	case "tertiary", "agent_memory":
		return TierTertiary, nil
	case "emergency", "volatile_ram":
		return TierEmergency, nil
	default:
		return TierPrimary, fmt.Errorf("unknown tier: %s", s)
	}
}

// AllTiers returns all tiers in fallback order.
func AllTiers() []Tier {
	return []Tier{TierPrimary, TierSecondary, TierTertiary, TierEmergency}
}
