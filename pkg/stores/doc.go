// Package stores provides the versioned document store behind the task
// runtime and the address allocator. It includes a SQLite implementation
// with WAL mode, embedded migrations and optimistic concurrency on a
// per-document version column, plus an in-memory implementation.
package stores
