package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
)

// NodeIdentity holds a node's Ed25519 networking keypair and its public
// Identity record. The private key signs (i) the peer-to-peer handshake,
// (ii) signed capabilities, and (iii) local "sign on behalf of this
// address" requests from processes that hold the signing capability.
type NodeIdentity struct {
	Name       types.NodeId
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Routing    types.NodeRouting
	Owner      string
}

// New generates a fresh Ed25519 keypair for name, used at first boot
// before on-chain registration (out of scope; see SaveKeyfile and LoadKeyfile for persistence).
func New(name types.NodeId, routing types.NodeRouting) (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate networking keypair: %w", err)
	}
	return &NodeIdentity{Name: name, PrivateKey: priv, PublicKey: pub, Routing: routing}, nil
}

// Identity returns the public PKI record for this node.
func (n *NodeIdentity) Identity() types.Identity {
	return types.Identity{
		Name:             n.Name,
		NetworkingPubKey: append([]byte(nil), n.PublicKey...),
		Routing:          n.Routing,
		Owner:            n.Owner,
	}
}

// Address returns node@process for a process owned by this node.
func (n *NodeIdentity) Address(p types.ProcessId) types.Address {
	return types.Address{Node: n.Name, Process: p}
}

// canonicalCapabilityEncoding is the byte string a capability signature is
// computed over: issuer address, then a NUL separator, then params. It
// must be identical on every node that verifies the signature.
func canonicalCapabilityEncoding(issuer types.Address, params []byte) []byte {
	buf := make([]byte, 0, len(issuer.String())+1+len(params))
	buf = append(buf, []byte(issuer.String())...)
	buf = append(buf, 0)
	buf = append(buf, params...)
	return buf
}

// SignCapability produces a SignedCapability: a capability plus an Ed25519
// signature by this node's networking key over the canonical encoding of
// issuer+params, so the kernel can validate capabilities that traversed
// remote nodes.
func (n *NodeIdentity) SignCapability(cap types.Capability) types.SignedCapability {
	msg := canonicalCapabilityEncoding(cap.Issuer, cap.Params)
	sig := ed25519.Sign(n.PrivateKey, msg)
	return types.SignedCapability{Capability: cap, Signature: sig}
}

// VerifySignedCapability checks sc.Signature against the issuer's
// networking public key, which the caller obtains by resolving
// sc.Capability.Issuer.Node in the PKI.
func VerifySignedCapability(sc types.SignedCapability, issuerPubKey ed25519.PublicKey) bool {
	msg := canonicalCapabilityEncoding(sc.Capability.Issuer, sc.Capability.Params)
	return ed25519.Verify(issuerPubKey, msg, sc.Signature)
}

// SignHandshake signs a peer-to-peer handshake payload (node id, ephemeral
// public key, nonce) with this node's networking key.
func (n *NodeIdentity) SignHandshake(payload []byte) []byte {
	return ed25519.Sign(n.PrivateKey, payload)
}

// VerifyHandshake verifies a handshake signature against a peer's
// networking public key obtained from the PKI.
func VerifyHandshake(payload, sig []byte, peerPubKey ed25519.PublicKey) bool {
	return ed25519.Verify(peerPubKey, payload, sig)
}

// SignOnBehalf signs an arbitrary message on behalf of this node's address,
// for processes holding the kernel-issued "sign" capability. The host
// checks that capability before calling this.
func (n *NodeIdentity) SignOnBehalf(msg []byte) []byte {
	return ed25519.Sign(n.PrivateKey, msg)
}
