// Package journal persists pending promotions across restarts.
//
// Each queue entry is written as a length-delimited protobuf Struct using
// protobuf's standard varint framing:
//
//	op          string  "store"
//	attempts    number  promotion attempts so far
//	enqueued_at string  RFC 3339 timestamp
//	envelope    string  compact record envelope (JSON)
//
// The envelope travels as a string so that record content keeps its exact
// canonical bytes and hash.
package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/buffer"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// MaxEntrySize limits a single framed entry to prevent OOM on a corrupt
// length prefix.
const MaxEntrySize = 16 * 1024 * 1024

// Reader reads length-delimited entries from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read returns the next entry, or io.EOF at a clean end of input.
func (r *Reader) Read() (buffer.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{MaxSize: MaxEntrySize}
	if err := opts.UnmarshalFrom(r.r, msg); err != nil {
		if err == io.EOF {
			return buffer.Entry{}, io.EOF
		}
		return buffer.Entry{}, fmt.Errorf("read entry: %w", err)
	}
	return decode(msg)
}

// Writer writes length-delimited entries to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes one entry with its length prefix.
func (w *Writer) Write(e buffer.Entry) error {
	msg, err := encode(e)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, msg); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

func encode(e buffer.Entry) (*structpb.Struct, error) {
	env, err := types.MarshalEnvelope(e.Record)
	if err != nil {
		return nil, fmt.Errorf("encode record %q: %w", e.Key(), err)
	}
	return structpb.NewStruct(map[string]any{
		"op":          string(e.Op),
		"attempts":    e.Attempts,
		"enqueued_at": e.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		"envelope":    string(env),
	})
}

func decode(msg *structpb.Struct) (buffer.Entry, error) {
	f := msg.GetFields()

	rec, err := types.UnmarshalEnvelope([]byte(f["envelope"].GetStringValue()))
	if err != nil {
		return buffer.Entry{}, fmt.Errorf("decode envelope: %w", err)
	}

	e := buffer.Entry{
		Op:       buffer.Op(f["op"].GetStringValue()),
		Record:   rec,
		Attempts: int(f["attempts"].GetNumberValue()),
	}
	if e.Op == "" {
		e.Op = buffer.OpStore
	}
	if ts := f["enqueued_at"].GetStringValue(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.EnqueuedAt = t
		}
	}
	return e, nil
}

// Save atomically replaces the journal at path with entries. An empty
// entry list removes the journal.
func Save(path string, entries []buffer.Entry) error {
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove journal: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".journal-*")
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	w := NewWriter(bw)
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install journal: %w", err)
	}
	return nil
}

// Load reads every entry in the journal at path. A missing journal yields
// no entries. Entries whose record fails its integrity check are returned
// in skipped instead of entries.
func Load(path string) (entries []buffer.Entry, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	r := NewReader(f)
	for {
		e, err := r.Read()
		if err == io.EOF {
			return entries, skipped, nil
		}
		if err != nil {
			return entries, skipped, errors.Wrapf(err, "journal %s", path)
		}
		if !e.Record.VerifyIntegrity() {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
}
