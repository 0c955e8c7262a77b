// Package parquet implements Parquet checkpoints of records.
//
// The package provides:
//   - RecordWriter/RecordReader for streaming record rows
//   - WriteFile/ReadFile for whole-file atomic checkpoints
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Type conversion between records and Parquet rows
package parquet
