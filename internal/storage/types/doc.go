// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Tier: storage tier (Primary, Secondary, Tertiary, Emergency) in
//     fallback and fan-out order
//   - Record: an immutable, content-addressed value whose Hash is the
//     SHA-256 of its canonical content
package types
