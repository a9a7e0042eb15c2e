// Package stores provides the durable binding state store.
// It includes a SQLite implementation with WAL mode, embedded migrations,
// compare-and-swap record updates, an append-only event log, and an
// operator audit trail.
package stores
