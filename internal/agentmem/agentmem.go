// Package agentmem gives each agent a private key space in the memory
// store. Every key an agent uses is stored as "agent:<id>:<key>", which
// also routes it to that agent's memory bank on the tertiary tier.
package agentmem

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtxerr/memtier/config"
	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/logging"
	"github.com/xtxerr/memtier/internal/storage/agentbank"
	"github.com/xtxerr/memtier/internal/storage/types"
)

var log = logging.Component("agentmem")

// searchWindow is how many of the agent's records Search considers.
const searchWindow = 500

// DefaultSearchLimit applies when Search is given a limit of zero or less.
const DefaultSearchLimit = 10

// Store is the part of the memory store an agent uses.
type Store interface {
	Store(ctx context.Context, key string, value any, contextLabel string) (types.Record, error)
	Retrieve(ctx context.Context, key, contextLabel string) (types.Record, bool, error)
	Query(ctx context.Context, text string, limit int) ([]types.Record, error)
	Delete(ctx context.Context, key string) error
}

// Memory is one agent's view of the store.
type Memory struct {
	agent  string
	prefix string
	store  Store
}

// New returns the memory of agentID. The id must be usable as a bank
// directory name.
func New(agentID string, store Store) (*Memory, error) {
	if strings.Contains(agentID, ":") {
		return nil, errors.NewInvalidValue("agent id", agentID, "must not contain ':'")
	}
	if agentbank.BankFor(agentbank.AgentPrefix+agentID+":") == agentbank.SharedBank {
		return nil, errors.NewInvalidValue("agent id", agentID, "not a valid bank name")
	}
	return &Memory{
		agent:  agentID,
		prefix: agentbank.AgentPrefix + agentID + ":",
		store:  store,
	}, nil
}

// Agent returns the agent id.
func (m *Memory) Agent() string { return m.agent }

// Key returns the store key for an agent-local key.
func (m *Memory) Key(key string) string { return m.prefix + key }

// Remember stores value under key.
func (m *Memory) Remember(ctx context.Context, key string, value any) (types.Record, error) {
	if key == "" {
		return types.Record{}, errors.Wrap(errors.ErrInvalidKey, "empty key")
	}
	rec, err := m.store.Store(logging.ContextWithAgent(ctx, m.agent), m.Key(key), value, config.DefaultContext)
	if err != nil {
		return types.Record{}, fmt.Errorf("agent %s remember %q: %w", m.agent, key, err)
	}
	log.Debug("remembered", "agent", m.agent, "key", key, "tier", rec.Tier)
	return rec, nil
}

// Recall decodes the value stored under key into out. It reports false
// when the agent has nothing under key.
func (m *Memory) Recall(ctx context.Context, key string, out any) (bool, error) {
	rec, found, err := m.store.Retrieve(logging.ContextWithAgent(ctx, m.agent), m.Key(key), config.DefaultContext)
	if err != nil {
		return false, fmt.Errorf("agent %s recall %q: %w", m.agent, key, err)
	}
	if !found {
		return false, nil
	}
	if out != nil {
		if err := rec.Decode(out); err != nil {
			return true, fmt.Errorf("agent %s recall %q: decode: %w", m.agent, key, err)
		}
	}
	return true, nil
}

// Forget deletes key.
func (m *Memory) Forget(ctx context.Context, key string) error {
	return m.store.Delete(logging.ContextWithAgent(ctx, m.agent), m.Key(key))
}

// Search returns the agent's records matching text, newest first.
func (m *Memory) Search(ctx context.Context, text string, limit int) ([]types.Record, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	recs, err := m.store.Query(logging.ContextWithAgent(ctx, m.agent), m.prefix, max(limit, searchWindow))
	if err != nil {
		return nil, fmt.Errorf("agent %s search: %w", m.agent, err)
	}

	out := recs[:0]
	for _, rec := range recs {
		if strings.HasPrefix(rec.ID, m.prefix) && rec.Matches(text) {
			out = append(out, rec)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LocalKey strips the agent prefix from a store key.
func (m *Memory) LocalKey(key string) string {
	return strings.TrimPrefix(key, m.prefix)
}
