/*
Package types defines the data model shared by every Hyperdrive kernel
component: addressing (NodeId, ProcessId, Address), the message envelope
the router moves (Request, Response, KernelMessage), capabilities, and the
per-process and per-peer records the kernel and networking layer keep.

# Addressing

	ProcessId  = process-name : package-name : publisher-node
	Address    = node-id @ process-id

Two processes with the same ProcessId triple may not coexist on a node.

# Messages

A Message is either a Request or a Response. Requests that set
ExpectsResponse arm a timeout; Responses correlate back to their Request by
the Id carried on the enclosing KernelMessage. The Inherit flag on a
Request carries the incoming request's Blob through without copying; on a
Response it forwards the reply to the Rsvp of the request being handled.

# Capabilities

A Capability is an unforgeable (issuer, params) token. CapabilitySet stores
capabilities keyed by content hash (Capability.Key), matching the "value
type with content-based equality" modeling note in the spec this package
implements.
*/
package types
