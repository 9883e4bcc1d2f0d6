// Package store defines the storage driver contract and provides the
// SQLite-backed implementation.
//
// A Backend stores records of registered entity types, one table (or
// collection) per type. It executes compiled queries and commands and knows
// nothing about notifications: publishing is the provider's job.
//
// # Versioning
//
// Every stored record carries an integer version. UpdateVersioned and
// DeleteVersioned only touch a record whose stored version equals the
// expected one and report the number of affected records, so a lost race
// shows up as 0 rather than as an error. Bulk Update increments the version
// of every affected record.
//
// # Change log
//
// Backends that implement ChangeLog persist one Change per published write,
// ordered by sequence. The provider resumes its clock from LastSeq after a
// restart and Replay feeds the log to late subscribers.
//
// # SQLite configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - case_sensitive_like=ON: LIKE matches like the in-memory evaluator
//
// Entity tables are created lazily by Ensure. The layout of each table is
// recorded, so reopening a database with a changed descriptor fails with a
// schema error instead of reading misaligned columns.
package store
