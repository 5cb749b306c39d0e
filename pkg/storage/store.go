package storage

import "github.com/hyperdrive-os/hyperdrive/pkg/types"

// Store is the kernel's persistence interface: process state blobs that
// must survive a restart or reboot, plus a PKI cache snapshot (pkg/pki
// saves one after every accepted update) and an FD-budget checkpoint (no
// package writes one; pkg/fdmanager does not use it). It is implemented by
// BoltStore; pkg/process.StateSink and pkg/pki's store are satisfied
// structurally, without importing this package's concrete type.
type Store interface {
	SaveProcessState(id types.ProcessId, state []byte) error
	LoadProcessState(id types.ProcessId) ([]byte, error)
	DeleteProcessState(id types.ProcessId) error

	SavePKICache(snapshot []byte) error
	LoadPKICache() ([]byte, error)

	SaveFDBudgetCheckpoint(snapshot []byte) error
	LoadFDBudgetCheckpoint() ([]byte, error)

	Close() error
}
