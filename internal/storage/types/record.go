package types

import (
	"bytes"
	"encoding/json"
	"maps"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/xtxerr/memtier/config"
	"github.com/xtxerr/memtier/internal/errors"
)

// MetaContext is the metadata key carrying the routing context label.
const MetaContext = "context"

// Record is an immutable, content-addressed value. Hash is the digest of
// the canonical Content and is checked again on every read.
//
// Records are values. WithTier and the other helpers return copies; the
// Content slice and Metadata map are never mutated after construction.
type Record struct {
	ID        string            `json:"id"`
	Content   json.RawMessage   `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Tier      Tier              `json:"tier"`
	Hash      string            `json:"hash"`
	Metadata  map[string]string `json:"metadata"`
}

// NewRecord canonicalizes content and builds a record stamped with the
// current time.
func NewRecord(id string, content any, tier Tier, metadata map[string]string) (Record, error) {
	if strings.TrimSpace(id) == "" {
		return Record{}, errors.Wrap(errors.ErrInvalidKey, "empty record id")
	}
	canonical, err := Canonicalize(content)
	if err != nil {
		return Record{}, errors.Wrapf(errors.ErrInvalidValue, "record %q: %v", id, err)
	}

	meta := make(map[string]string, len(metadata)+1)
	maps.Copy(meta, metadata)
	if meta[MetaContext] == "" {
		meta[MetaContext] = config.DefaultContext
	}

	return Record{
		ID:        id,
		Content:   canonical,
		Timestamp: time.Now().UTC(),
		Tier:      tier,
		Hash:      Digest(canonical),
		Metadata:  meta,
	}, nil
}

// Context returns the routing context label.
func (r Record) Context() string {
	if c := r.Metadata[MetaContext]; c != "" {
		return c
	}
	return config.DefaultContext
}

// WithTier returns a copy of r tagged with tier t.
func (r Record) WithTier(t Tier) Record {
	r.Tier = t
	return r
}

// Verify recomputes the content digest and returns an integrity error
// when it does not match Hash.
func (r Record) Verify() error {
	canonical, err := Canonicalize(r.Content)
	if err != nil {
		return errors.NewIntegrity(r.ID, r.Tier.String(), r.Hash, "<undecodable>")
	}
	if got := Digest(canonical); got != r.Hash {
		return errors.NewIntegrity(r.ID, r.Tier.String(), r.Hash, got)
	}
	return nil
}

// VerifyIntegrity reports whether the hash matches the content.
func (r Record) VerifyIntegrity() bool {
	return r.Verify() == nil
}

// Decode unmarshals the content into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Content, v)
}

// Value decodes the content into generic JSON values. Numbers are
// returned as json.Number.
func (r Record) Value() (any, error) {
	dec := json.NewDecoder(bytes.NewReader(r.Content))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Matches reports whether text occurs, ignoring case, anywhere in the
// compact envelope of r. Both sides are compared in NFC, so a composed
// query finds decomposed content and the reverse. Empty text matches
// everything.
func (r Record) Matches(text string) bool {
	if text == "" {
		return true
	}
	env, err := MarshalEnvelope(r)
	if err != nil {
		return false
	}
	return strings.Contains(foldText(string(env)), foldText(text))
}

func foldText(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// UnmarshalJSON decodes an envelope and canonicalizes its content, so a
// record read back from an indented file compares equal to the original.
func (r *Record) UnmarshalJSON(b []byte) error {
	type envelope Record
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return err
	}
	if len(e.Content) > 0 {
		if c, err := Canonicalize(e.Content); err == nil {
			e.Content = c
		}
	}
	*r = Record(e)
	return nil
}

// MarshalEnvelope encodes r as a compact {id, content, timestamp, tier,
// hash, metadata} document.
func MarshalEnvelope(r Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshalEnvelopeIndent is MarshalEnvelope with two-space indentation.
func MarshalEnvelopeIndent(r Record) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// UnmarshalEnvelope decodes an envelope produced by MarshalEnvelope.
func UnmarshalEnvelope(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// SortNewestFirst orders records by timestamp, newest first. Records with
// equal timestamps keep their relative order.
func SortNewestFirst(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.After(recs[j].Timestamp)
	})
}
