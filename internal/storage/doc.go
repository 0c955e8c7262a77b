// Package storage implements the resilient multi-tier memory store.
//
// Architecture:
//
//	            ┌──────────────┐
//	 caller ───▶│   Service    │──── cache (TTL, integrity-checked)
//	            └──────┬───────┘
//	                   │ FallbackChain (retry on primary only)
//	   ┌───────────────┼────────────────┬─────────────────┐
//	   ▼               ▼                ▼                 ▼
//	┌─────────┐  ┌────────────┐  ┌─────────────┐  ┌──────────────┐
//	│ primary │  │ secondary  │  │  tertiary   │  │  emergency   │
//	│ DuckDB  │  │ JSON files │  │ LevelDB/agt │  │ map+Parquet  │
//	└────▲────┘  └────────────┘  └─────────────┘  └──────────────┘
//	     │
//	     └──── sync worker ◀── bounded queue ◀── fallback writes
//
// The store provides:
//   - Ordered write and read fallback across four tiers
//   - Exponential backoff retries against the primary tier
//   - SHA-256 integrity checks on every cache hit and tier read
//   - Background promotion of fallback writes into the primary tier
//   - Periodic health probes (advisory, never gating)
//   - Unified query with hash dedup across online tiers
//
// Health status never blocks an operation. Every call walks the full
// chain regardless of what the last probe reported.
package storage
