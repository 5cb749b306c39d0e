// Package kernel implements the control plane described in spec §4.G: the
// supervisor that owns process lifecycle (InitializeProcess, RunProcess,
// KillProcess, RebootProcess, GrantCapabilities, Shutdown) and applies each
// process's declared on-exit policy when its guest code crashes.
//
// It wires together pkg/process (the WASM sandbox host), pkg/router (the
// message bus), and pkg/capabilities (the capability oracle) the way the
// teacher's pkg/manager.Manager wires its own store, FSM, token manager, and
// event broker into one constructor, minus the Raft consensus layer (spec
// §1 Non-goals: single-node).
package kernel
