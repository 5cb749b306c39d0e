package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
)

// keyfileContents is the plaintext JSON encrypted at rest in <home>/<keyfile>.
type keyfileContents struct {
	Name       string
	PrivateKey []byte
	Routing    types.NodeRouting
	Owner      string
}

// encryptWithPassword encrypts plaintext using AES-256-GCM with a key
// derived from password via SHA-256, exactly as the cluster's
// secrets-at-rest encryption does, returning nonce||ciphertext.
func encryptWithPassword(plaintext []byte, password string) ([]byte, error) {
	key := sha256.Sum256([]byte(password))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithPassword(ciphertext []byte, password string) ([]byte, error) {
	key := sha256.Sum256([]byte(password))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("keyfile ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt keyfile (wrong password?): %w", err)
	}
	return plaintext, nil
}

// SaveKeyfile writes an encrypted keyfile to path, AES-256-GCM encrypted
// with password.
func (n *NodeIdentity) SaveKeyfile(path, password string) error {
	contents := keyfileContents{
		Name:       string(n.Name),
		PrivateKey: n.PrivateKey,
		Routing:    n.Routing,
		Owner:      n.Owner,
	}
	plaintext, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("marshal keyfile: %w", err)
	}
	ciphertext, err := encryptWithPassword(plaintext, password)
	if err != nil {
		return fmt.Errorf("encrypt keyfile: %w", err)
	}
	return os.WriteFile(path, ciphertext, 0o600)
}

// LoadKeyfile reads and decrypts the keyfile at path. A wrong password or
// corrupted file is a Fatal (init-time) error per the spec's error
// handling design; the caller is responsible for treating it as one.
func LoadKeyfile(path, password string) (*NodeIdentity, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyfile: %w", err)
	}
	plaintext, err := decryptWithPassword(ciphertext, password)
	if err != nil {
		return nil, err
	}
	var contents keyfileContents
	if err := json.Unmarshal(plaintext, &contents); err != nil {
		return nil, fmt.Errorf("unmarshal keyfile: %w", err)
	}
	priv := ed25519.PrivateKey(contents.PrivateKey)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keyfile private key is malformed")
	}
	return &NodeIdentity{
		Name:       types.NodeId(contents.Name),
		PrivateKey: priv,
		PublicKey:  pub,
		Routing:    contents.Routing,
		Owner:      contents.Owner,
	}, nil
}

// KeyfileExists reports whether a keyfile is already present at path.
func KeyfileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
