/*
Package identity implements node identity and the cryptographic primitives
the rest of the kernel builds on: an Ed25519 networking keypair, signed
capabilities, handshake signing, and the hash helpers (Keccak-256,
SHA-256, ENS-style namehash).

A node's identity is loaded from an encrypted local keyfile (AES-256-GCM,
password-derived key, same construction as a cluster's secrets-at-rest
encryption) or generated fresh at first boot. Registering a freshly
generated identity on-chain is out of scope; see pkg/pki for fakenet
bootstrapping that skips it entirely.
*/
package identity
