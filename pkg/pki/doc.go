// Package pki implements the PKI cache described in spec §6 On-chain
// interface: an in-memory, concurrently-read map of known node identities
// and routing records, kept current by locally-originated HnsUpdate and
// HnsBatchUpdate messages from the chain indexer. It implements
// pkg/network's PeerKeyResolver and Resolver interfaces directly, and
// persists a snapshot through pkg/storage so a restart does not need to
// replay every registry update from genesis.
//
// NewFakeResolver builds a pre-populated cache with no chain indexer and
// no persistence, for the `--fakenet` bootstrap mode (cmd/hyperdrive
// fakenet) that lets a multi-node dev cluster run without touching a real
// chain.
package pki
