// Package storage persists kernel state to a bbolt database under
// <home>/kernel/hyperdrive.db: per-process set-state blobs (so
// OnExit::Restart and a node reboot resume with the same state), a PKI
// cache snapshot (pkg/pki), and an FD-budget checkpoint bucket that no
// package writes (pkg/fdmanager does not use it).
// Grounded on the teacher's pkg/storage/boltdb.go: one bucket per concern,
// db.Update/db.View transactions, values JSON-encoded.
package storage
