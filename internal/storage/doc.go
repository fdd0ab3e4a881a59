// Package storage persists timer anomaly audit records.
//
// Two drivers: a dependency-free JSON Lines file, and SQLite behind the
// "sqlite" build tag. An empty or "none" driver disables persistence.
package storage
