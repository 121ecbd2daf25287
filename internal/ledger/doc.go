// Package ledger provides the SQLite-backed audit ledger: transaction
// history, the inventory snapshot and aggregate counts for archived records.
// It is the only component whose state survives a restart.
//
// # Crash Recovery
//
// A transaction is appended as pending BEFORE the payment gateway is invoked.
// A crash between "payment started" and "payment resolved" therefore leaves
// exactly one pending record. RecoverPending voids every such record at
// startup, before the register accepts commands, so a started transaction is
// never forgotten and never resumed (no double charge).
//
// # Single Pending Record
//
// A partial unique index on transactions(status) WHERE status = 'pending'
// makes a second pending record impossible at the storage level.
//
// # Rotation
//
// Rotate removes completed and voided records older than the retention
// window or beyond the count ceiling, oldest first. Pending records are
// never archived. Archived records survive only as aggregate counts and
// revenue in archive_info.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package ledger
