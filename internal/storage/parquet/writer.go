package parquet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/memtier/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// RecordRow represents a record in Parquet format. Content and metadata
// are stored as JSON text so the canonical bytes survive unchanged.
type RecordRow struct {
	ID          string `parquet:"id,zstd"`
	Content     string `parquet:"content,zstd"`
	TimestampNs int64  `parquet:"timestamp_ns"`
	Tier        string `parquet:"tier,dict"`
	Hash        string `parquet:"hash"`
	Metadata    string `parquet:"metadata,optional,zstd"`
}

// RecordToRow converts a Record to a RecordRow.
func RecordToRow(r *types.Record) (RecordRow, error) {
	row := RecordRow{
		ID:          r.ID,
		Content:     string(r.Content),
		TimestampNs: r.Timestamp.UnixNano(),
		Tier:        r.Tier.String(),
		Hash:        r.Hash,
	}
	if len(r.Metadata) > 0 {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return RecordRow{}, fmt.Errorf("encode metadata of %q: %w", r.ID, err)
		}
		row.Metadata = string(meta)
	}
	return row, nil
}

// RowToRecord converts a RecordRow to a Record.
func RowToRecord(row *RecordRow) (types.Record, error) {
	tier, err := types.ParseTier(row.Tier)
	if err != nil {
		return types.Record{}, err
	}
	rec := types.Record{
		ID:        row.ID,
		Content:   json.RawMessage(row.Content),
		Timestamp: time.Unix(0, row.TimestampNs).UTC(),
		Tier:      tier,
		Hash:      row.Hash,
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &rec.Metadata); err != nil {
			return types.Record{}, fmt.Errorf("decode metadata of %q: %w", row.ID, err)
		}
	}
	return rec, nil
}

// RecordWriter writes records to a Parquet file.
type RecordWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[RecordRow]
	rowCount int64
	closed   bool
}

// NewRecordWriter creates a new record Parquet writer.
func NewRecordWriter(path string, opts Options) (*RecordWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[RecordRow](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	return &RecordWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes records to the Parquet file.
func (w *RecordWriter) Write(records []types.Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]RecordRow, len(records))
	for i := range records {
		row, err := RecordToRow(&records[i])
		if err != nil {
			return err
		}
		rows[i] = row
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the writer.
func (w *RecordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync file: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *RecordWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *RecordWriter) Path() string {
	return w.path
}

// WriteFile atomically replaces path with a checkpoint of records.
// Readers never observe a partially written file.
func WriteFile(path string, records []types.Record, opts Options) error {
	tmp := path + ".tmp"
	w, err := NewRecordWriter(tmp, opts)
	if err != nil {
		return err
	}
	if err := w.Write(records); err != nil {
		w.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install checkpoint: %w", err)
	}
	return nil
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
