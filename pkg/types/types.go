// Package types defines the core data model shared across the Hyperdrive
// runtime: node and process addressing, the message envelope the router
// moves, capabilities, and the per-process and per-peer records the kernel
// and networking layer maintain.
package types

import (
	"fmt"
	"strings"
	"time"
)

// NodeId is a DNS-like, dot-separated name (e.g. "alice.os"). Nodes are
// resolved to public keys and routing info via the on-chain PKI.
type NodeId string

// ProcessId uniquely identifies a process as a (process-name, package-name,
// publisher-node) triple. Two processes with the same triple may not
// coexist on a node.
type ProcessId struct {
	ProcessName string
	PackageName string
	Publisher   NodeId
}

// String renders a ProcessId in "process-name:package-name:publisher-node"
// form.
func (p ProcessId) String() string {
	return fmt.Sprintf("%s:%s:%s", p.ProcessName, p.PackageName, p.Publisher)
}

// ParseProcessId parses the "process-name:package-name:publisher-node" form.
func ParseProcessId(s string) (ProcessId, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return ProcessId{}, fmt.Errorf("malformed process id %q: want process:package:publisher", s)
	}
	return ProcessId{ProcessName: parts[0], PackageName: parts[1], Publisher: NodeId(parts[2])}, nil
}

// Package returns "package-name:publisher-node", the namespace a process's
// VFS drive and capability issuer identity are scoped to.
func (p ProcessId) Package() string {
	return fmt.Sprintf("%s:%s", p.PackageName, p.Publisher)
}

// Address is node-id@process-id, the unit of addressing for all messages.
type Address struct {
	Node    NodeId
	Process ProcessId
}

func (a Address) String() string {
	return fmt.Sprintf("%s@%s", a.Node, a.Process)
}

// ParseAddress parses the "node-id@process-id" form.
func ParseAddress(s string) (Address, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 {
		return Address{}, fmt.Errorf("malformed address %q: want node@process:package:publisher", s)
	}
	proc, err := ParseProcessId(parts[1])
	if err != nil {
		return Address{}, err
	}
	return Address{Node: NodeId(parts[0]), Process: proc}, nil
}

// OnExitKind selects what the supervisor does when a process exits.
type OnExitKind string

const (
	OnExitNone     OnExitKind = "none"
	OnExitRestart  OnExitKind = "restart"
	OnExitRequests OnExitKind = "requests"
)

// OnExit is the declared exit policy for a process.
type OnExit struct {
	Kind OnExitKind
	// Requests is used when Kind == OnExitRequests: fire-and-forget messages
	// sent before the process record is dropped.
	Requests []OnExitRequest
}

// OnExitRequest is one fire-and-forget message fired by OnExitRequests.
type OnExitRequest struct {
	Target  Address
	Request Request
	Blob    []byte
}

// Capability is an unforgeable (issuer, params) token granting a right.
// Params is opaque; applications choose their own schema and runtime checks
// are byte-equal on the (issuer, params) pair.
type Capability struct {
	Issuer Address
	Params []byte
}

// Key returns a value usable as a map key for content-based equality.
func (c Capability) Key() string {
	return c.Issuer.String() + "\x00" + string(c.Params)
}

// SignedCapability is a Capability plus an Ed25519 signature by the
// issuing node's networking key over a canonical encoding of
// issuer+params, letting the kernel validate capabilities that traversed
// remote nodes.
type SignedCapability struct {
	Capability Capability
	Signature  []byte
}

// CapabilitySet is a set of capabilities, keyed by their content hash.
type CapabilitySet map[string]Capability

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c.Key()] = c
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c.Key()]
	return ok
}

func (s CapabilitySet) Add(c Capability) {
	s[c.Key()] = c
}

func (s CapabilitySet) Remove(c Capability) {
	delete(s, c.Key())
}

func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}

// Request is the outbound half of a Message.
type Request struct {
	// Inherit instructs the router to carry the incoming request's blob
	// through to the outgoing message without copying, or (on a Response)
	// forwards the response to the Rsvp of the request being handled.
	Inherit bool
	// ExpectsResponse, when set, is the timeout in seconds after which a
	// synthetic SendError.Timeout Response is delivered if none arrived.
	ExpectsResponse *uint64
	Body            []byte
	Metadata        []byte
	Capabilities    []Capability
	Blob            *Blob
}

// Response is the inbound half of a Message, correlated to its Request by
// a monotonic Id carried on the enclosing KernelMessage.
type Response struct {
	Body         []byte
	Metadata     []byte
	Capabilities []Capability
	Blob         *Blob
}

// Blob is a bulk byte payload carried alongside a message without being
// part of its structured body, avoiding reserialisation of large payloads.
type Blob struct {
	Mime  *string
	Bytes []byte
}

// MessageKind distinguishes a Request from a Response inside a
// KernelMessage.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindResponse
)

// Message is the tagged union of Request and Response carried by a
// KernelMessage.
type Message struct {
	Kind     MessageKind
	Request  *Request
	Response *Response
}

// KernelMessage is the envelope the router moves between local processes
// and between local and remote processes.
type KernelMessage struct {
	Id      uint64
	Source  Address
	Target  Address
	// Rsvp ("respond-via"), when set, names a third party to which the
	// response to this message should be sent, allowing middle processes
	// to delegate responses.
	Rsvp    *Address
	Message Message
	Blob    *Blob
}

// SendErrorKind enumerates the synthetic Response kinds the router and
// adapters can deliver in place of an application response.
type SendErrorKind string

const (
	SendErrorOffline           SendErrorKind = "offline"
	SendErrorTimeout           SendErrorKind = "timeout"
	SendErrorPermissionDenied  SendErrorKind = "permission-denied"
	SendErrorMalformedMessage  SendErrorKind = "malformed-message"
)

// SendError is the body of a synthetic Response the router or host
// synthesizes when a Request cannot be satisfied.
type SendError struct {
	Kind    SendErrorKind
	Message string
	// Target is the original message the error pertains to, so a waiter
	// can match it back to the call it made.
	Target Address
}

// ProcessRecord is the kernel's per-process bookkeeping: address, module
// path, ABI version, exit policy, public flag, and no-revoke flag.
type ProcessRecord struct {
	Address     Address
	WasmPath    string
	WitVersion  uint32
	OnExit      OnExit
	Public      bool
	// NoRevoke suppresses the oracle's automatic revocation of capabilities
	// this process issued when it is killed; used during restart.
	NoRevoke bool
}

// PeerRecord is per-known remote node networking state: cached identity,
// whether we currently hold an open connection, whether we route for this
// peer, and liveness timestamps.
type PeerRecord struct {
	Identity      Identity
	Connected     bool
	RoutingFor    bool
	LastSent      time.Time
	LastReceived  time.Time
}

// NodeRoutingKind distinguishes direct (listening) nodes from indirect
// (router-relayed) ones.
type NodeRoutingKind string

const (
	RoutingDirect   NodeRoutingKind = "direct"
	RoutingIndirect NodeRoutingKind = "indirect"
)

// NodeRouting describes how a node is reachable, per the PKI record.
type NodeRouting struct {
	Kind NodeRoutingKind
	// Direct fields.
	IP    string
	Ports map[string]uint16 // protocol ("ws"/"tcp") -> port
	// Indirect fields.
	Routers []NodeId
}

// Identity is a node's public PKI record: name, networking public key, and
// routing information, plus the owning on-chain address.
type Identity struct {
	Name             NodeId
	NetworkingPubKey []byte // Ed25519 public key
	Routing          NodeRouting
	Owner            string // on-chain owner address
}

// HnsUpdate is one namehash-keyed on-chain registry note change, as
// delivered by the chain indexer. NetKey, WsPort, TcpPort, IP, and Routers
// mirror the `~net-key`/`~ws-port`/`~tcp-port`/`~ip`/`~routers` notes
// (§6); a zero value for a field means that note was not part of this
// update and the cached value, if any, is left unchanged.
type HnsUpdate struct {
	Name    NodeId
	Owner   string
	NetKey  []byte
	WsPort  uint16
	TcpPort uint16
	IP      string
	Routers []NodeId
}

// HnsBatchUpdate is a batch of HnsUpdate entries, upserted atomically.
type HnsBatchUpdate struct {
	Updates []HnsUpdate
}

// FdsLimit is one process's slice of the file-descriptor budget.
type FdsLimit struct {
	Limit    uint64
	HitCount uint64
}

// Drive identifies a package-scoped VFS namespace.
type Drive struct {
	Package string // "package-name:publisher-node"
}
