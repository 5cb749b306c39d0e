package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes b with Keccak-256, the on-chain identifier hash used by
// the PKI registry (namehash and contract call encodings).
func Keccak256(b []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Keccak256Hex returns the hex-encoded (0x-prefixed) Keccak-256 digest.
func Keccak256Hex(b []byte) string {
	sum := Keccak256(b)
	return "0x" + hex.EncodeToString(sum[:])
}

// SHA256 hashes b with SHA-256, for content hashes.
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// SHA256Hex returns the hex-encoded SHA-256 digest.
func SHA256Hex(b []byte) string {
	sum := SHA256(b)
	return hex.EncodeToString(sum[:])
}

// Namehash implements ENS-style dotted left-to-right recursive hashing:
//
//	namehash("") = 0x00...00
//	namehash("label.rest") = keccak256(namehash("rest") || keccak256("label"))
func Namehash(name string) [32]byte {
	if name == "" {
		return [32]byte{}
	}
	labels := strings.Split(name, ".")
	var node [32]byte
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := Keccak256([]byte(labels[i]))
		buf := make([]byte, 0, 64)
		buf = append(buf, node[:]...)
		buf = append(buf, labelHash[:]...)
		node = Keccak256(buf)
	}
	return node
}

// NamehashHex returns the hex-encoded (0x-prefixed) namehash.
func NamehashHex(name string) string {
	sum := Namehash(name)
	return "0x" + hex.EncodeToString(sum[:])
}
