/*
Package network implements peer-to-peer overlay networking per spec §4.F.

Direct nodes listen on a "ws" and/or "tcp" port advertised in their PKI
routing record; indirect nodes instead declare a list of routers and dial
one of them, registering to be relayed for. Every connection, direct or
router-relayed, starts with a mutual handshake: each side generates a
fresh X25519 keypair, signs it (together with the claimed node id and a
nonce) with its long-term Ed25519 networking key, and the peer verifies
that signature against the claimed node's PKI-published public key before
deriving a shared AES-256-GCM key from the ECDH exchange. All traffic
after the handshake is encrypted per-frame with that key.

A node that accepts a routing registration relays inbound frames addressed
to the registering node back out over that same connection
(handleInboundMessage's passthrough path), bounded by maxPassthroughs
(set from --max-passthroughs; it does not follow the FD budget). Idle peer
connections are kept alive with a ping every 30 seconds.
*/
package network
