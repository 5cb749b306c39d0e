package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketProcessState = []byte("process_state")
	bucketPKICache     = []byte("pki_cache")
	bucketFDBudget     = []byte("fd_budget")
)

const (
	pkiCacheKey = "snapshot"
	fdBudgetKey = "checkpoint"
)

// BoltStore is a bbolt-backed implementation of Store. One file,
// hyperdrive.db, lives under <home>/kernel and holds every bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the kernel database under
// dataDir/kernel/hyperdrive.db and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	kernelDir := filepath.Join(dataDir, "kernel")
	if err := os.MkdirAll(kernelDir, 0755); err != nil {
		return nil, fmt.Errorf("creating kernel data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(kernelDir, "hyperdrive.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening kernel database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketProcessState, bucketPKICache, bucketFDBudget} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// SaveProcessState persists the opaque state blob a process set via
// set-state, keyed by its full process id.
func (s *BoltStore) SaveProcessState(id types.ProcessId, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessState)
		return b.Put([]byte(id.String()), state)
	})
}

// LoadProcessState returns the last state a process saved, or nil if it
// never called set-state.
func (s *BoltStore) LoadProcessState(id types.ProcessId) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessState)
		if data := b.Get([]byte(id.String())); data != nil {
			state = append([]byte(nil), data...)
		}
		return nil
	})
	return state, err
}

// DeleteProcessState removes a process's saved state. No kernel path calls
// it, so a killed process's saved state stays in the bucket.
func (s *BoltStore) DeleteProcessState(id types.ProcessId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessState)
		return b.Delete([]byte(id.String()))
	})
}

// SavePKICache persists the PKI package's serialized identity cache so a
// restart does not require re-reading every registry log from genesis.
func (s *BoltStore) SavePKICache(snapshot []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPKICache)
		return b.Put([]byte(pkiCacheKey), snapshot)
	})
}

// LoadPKICache returns the last saved PKI cache snapshot, or nil if none
// has ever been saved.
func (s *BoltStore) LoadPKICache() ([]byte, error) {
	var snapshot []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPKICache)
		if data := b.Get([]byte(pkiCacheKey)); data != nil {
			snapshot = append([]byte(nil), data...)
		}
		return nil
	})
	return snapshot, err
}

// SaveFDBudgetCheckpoint persists the file-descriptor budget manager's
// per-process usage snapshot.
func (s *BoltStore) SaveFDBudgetCheckpoint(snapshot []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFDBudget)
		return b.Put([]byte(fdBudgetKey), snapshot)
	})
}

// LoadFDBudgetCheckpoint returns the last saved FD budget checkpoint, or
// nil if none has ever been saved.
func (s *BoltStore) LoadFDBudgetCheckpoint() ([]byte, error) {
	var snapshot []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFDBudget)
		if data := b.Get([]byte(fdBudgetKey)); data != nil {
			snapshot = append([]byte(nil), data...)
		}
		return nil
	})
	return snapshot, err
}

// Close closes the underlying bbolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
