// Package storage is the persistence boundary of the pipeline.
//
// It owns draft posts with their media and buttons, and the durable publish
// jobs that make scheduled delivery survive restarts. Draft updates are
// version-checked (optimistic concurrency): a stale writer gets
// post.ErrVersionConflict instead of silently overwriting.
//
// Drivers:
//   - "sqlite": the production backend (modernc.org/sqlite, WAL)
//   - "memory": dependency-free in-process backend for tests and dry runs
package storage
