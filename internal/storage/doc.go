// Package storage is the tenant-scoped document store.
//
// Records are JSON documents keyed by (kind, tenant, id). A Backend keeps
// them in insertion order (seq), which the classifier tie-break relies on.
// Backends:
//   - "memory": in-process maps (tests, local runs)
//   - "sqlite": single-file database via modernc.org/sqlite
//
// Store layers typed accessors and shared filtering on top of a Backend.
package storage
