/*
Package router implements the kernel's single message bus: the event loop
described in spec §4.E with four logical input streams (local process
outbound, peer-network inbound, control-plane registration, and timer
fires for response timeouts).

Delivery enforces invariant 3 (a process only receives from a source it is
allowed to hear from: same process, same node, a public target, or a held
messaging capability) and invariant 5 (a killed process's pending replies
are resolved as Offline immediately rather than left to time out).
Response correlation is by monotonically increasing message id, tracked in
a single pending-request table shared by local and remote traffic so every
outstanding request with expects-response has exactly one timer (invariant
1).
*/
package router
