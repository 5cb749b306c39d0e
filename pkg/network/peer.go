package network

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
)

// wireEnvelope is one peer-to-peer message: either a KernelMessage being
// routed, or a keepalive ping/pong that resets the other side's idle
// timer without entering the router.
type wireEnvelope struct {
	Keepalive bool                `json:"keepalive,omitempty"`
	Message   *types.KernelMessage `json:"message,omitempty"`
	// RegisterRouting, sent once right after a successful handshake by an
	// Indirect node to the router it dialed, asks the router to relay
	// future traffic addressed to it over this same connection.
	RegisterRouting bool `json:"register_routing,omitempty"`
}

// Peer is one established, authenticated, encrypted connection to another
// node: either a direct dial/accept, or a connection routed through an
// intermediary (see Network.routingFor).
type Peer struct {
	node types.NodeId
	conn Conn
	aead cipher.AEAD

	writeMu sync.Mutex

	lastSent     time.Time
	lastReceived time.Time
	mu           sync.Mutex
}

func newPeer(node types.NodeId, conn Conn, sharedKey [32]byte) (*Peer, error) {
	block, err := aes.NewCipher(sharedKey[:])
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing GCM mode: %w", err)
	}
	now := time.Now()
	return &Peer{node: node, conn: conn, aead: gcm, lastSent: now, lastReceived: now}, nil
}

func (p *Peer) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return p.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *Peer) decrypt(ciphertext []byte) ([]byte, error) {
	n := p.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	return p.aead.Open(nil, nonce, body, nil)
}

func (p *Peer) sendEnvelope(env wireEnvelope) error {
	plain, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	cipherBytes, err := p.encrypt(plain)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteFrame(cipherBytes); err != nil {
		return fmt.Errorf("writing to peer %s: %w", p.node, err)
	}
	p.mu.Lock()
	p.lastSent = time.Now()
	p.mu.Unlock()
	return nil
}

// SendMessage encrypts and writes km to the peer.
func (p *Peer) SendMessage(km types.KernelMessage) error {
	return p.sendEnvelope(wireEnvelope{Message: &km})
}

func (p *Peer) sendKeepalive() error {
	return p.sendEnvelope(wireEnvelope{Keepalive: true})
}

// readEnvelope blocks for the next frame, decrypts, and decodes it.
func (p *Peer) readEnvelope() (wireEnvelope, error) {
	frame, err := p.conn.ReadFrame()
	if err != nil {
		return wireEnvelope{}, err
	}
	plain, err := p.decrypt(frame)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("decrypting frame from %s: %w", p.node, err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return wireEnvelope{}, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
	}
	p.mu.Lock()
	p.lastReceived = time.Now()
	p.mu.Unlock()
	return env, nil
}

func (p *Peer) idleSince() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSent)
}

func (p *Peer) Close() error { return p.conn.Close() }
