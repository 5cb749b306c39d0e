// Package adapters holds the bus-registration plumbing shared by every
// external-interface adapter (spec §4.H): the timer service, the VFS
// service, the Ethereum RPC service, and the HTTP server. Each adapter is
// a native Go service, not a WASM guest, but still communicates purely
// through KernelMessages delivered to and from an ordinary process
// mailbox, via the same Registrar/Outbound surface pkg/process's Host
// uses for guest processes. Bus centralizes that registration so each
// adapter package only implements its own request/response shapes.
package adapters
