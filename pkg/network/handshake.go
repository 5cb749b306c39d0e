package network

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/hyperdrive-os/hyperdrive/pkg/identity"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"golang.org/x/crypto/curve25519"
)

// handshakeMsg is exchanged by both sides of a new peer connection before
// any KernelMessage traffic: a node id claim, a fresh ephemeral X25519
// public key, and an Ed25519 signature over both (plus a nonce) by the
// claimed node's long-term networking key, so the peer can be sure the
// ephemeral key really was chosen by the node it claims to be.
type handshakeMsg struct {
	Node         types.NodeId `json:"node"`
	EphemeralPub [32]byte     `json:"ephemeral_pub"`
	Nonce        [16]byte     `json:"nonce"`
	Signature    []byte       `json:"signature"`
}

func signedHandshakePayload(node types.NodeId, ephemeralPub [32]byte, nonce [16]byte) []byte {
	buf := make([]byte, 0, len(node)+32+16)
	buf = append(buf, []byte(node)...)
	buf = append(buf, ephemeralPub[:]...)
	buf = append(buf, nonce[:]...)
	return buf
}

func newEphemeralKeypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generating ephemeral key: %w", err)
	}
	// Clamp per the X25519 spec (RFC 7748 §5).
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("deriving ephemeral public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

func deriveSharedKey(ourPriv, peerPub [32]byte) ([32]byte, error) {
	var shared [32]byte
	s, err := curve25519.X25519(ourPriv[:], peerPub[:])
	if err != nil {
		return shared, fmt.Errorf("ECDH failed: %w", err)
	}
	shared = sha256.Sum256(s)
	return shared, nil
}

// PeerKeyResolver looks up a node's long-term networking public key so an
// inbound handshake's signature can be verified. pkg/pki implements this.
type PeerKeyResolver interface {
	NetworkingPubKey(node types.NodeId) ([]byte, bool)
}

// performHandshake runs the mutual handshake over conn and returns the
// derived symmetric key. initiator selects message ordering: the dialing
// side sends first.
func performHandshake(conn Conn, id *identity.NodeIdentity, resolver PeerKeyResolver, initiator bool) ([32]byte, types.NodeId, error) {
	var sharedKey [32]byte

	ourPriv, ourPub, err := newEphemeralKeypair()
	if err != nil {
		return sharedKey, "", err
	}
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return sharedKey, "", fmt.Errorf("generating handshake nonce: %w", err)
	}
	ours := handshakeMsg{Node: id.Name, EphemeralPub: ourPub, Nonce: nonce}
	ours.Signature = id.SignHandshake(signedHandshakePayload(ours.Node, ours.EphemeralPub, ours.Nonce))

	send := func() error {
		b, err := json.Marshal(ours)
		if err != nil {
			return err
		}
		return conn.WriteFrame(b)
	}
	recv := func() (handshakeMsg, error) {
		b, err := conn.ReadFrame()
		if err != nil {
			return handshakeMsg{}, err
		}
		var theirs handshakeMsg
		if err := json.Unmarshal(b, &theirs); err != nil {
			return handshakeMsg{}, fmt.Errorf("malformed handshake message: %w", err)
		}
		return theirs, nil
	}

	var theirs handshakeMsg
	if initiator {
		if err := send(); err != nil {
			return sharedKey, "", err
		}
		theirs, err = recv()
	} else {
		theirs, err = recv()
		if err == nil {
			err = send()
		}
	}
	if err != nil {
		return sharedKey, "", err
	}

	pubKey, ok := resolver.NetworkingPubKey(theirs.Node)
	if !ok {
		return sharedKey, "", fmt.Errorf("unknown peer node %q: no PKI record", theirs.Node)
	}
	payload := signedHandshakePayload(theirs.Node, theirs.EphemeralPub, theirs.Nonce)
	if !identity.VerifyHandshake(payload, theirs.Signature, pubKey) {
		return sharedKey, "", fmt.Errorf("handshake signature verification failed for %q", theirs.Node)
	}

	sharedKey, err = deriveSharedKey(ourPriv, theirs.EphemeralPub)
	if err != nil {
		return sharedKey, "", err
	}
	return sharedKey, theirs.Node, nil
}
