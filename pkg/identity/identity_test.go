package identity

import (
	"testing"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedCapabilityRoundTrip(t *testing.T) {
	a, err := New("alice.os", types.NodeRouting{Kind: types.RoutingDirect, IP: "1.2.3.4", Ports: map[string]uint16{"ws": 9000}})
	require.NoError(t, err)

	cap := types.Capability{
		Issuer: a.Address(types.ProcessId{ProcessName: "net", PackageName: "distro", Publisher: a.Name}),
		Params: []byte(`{"kind":"network"}`),
	}

	signed := a.SignCapability(cap)
	assert.True(t, VerifySignedCapability(signed, a.PublicKey))

	// tampering with params must invalidate the signature
	tampered := signed
	tampered.Capability.Params = []byte(`{"kind":"tampered"}`)
	assert.False(t, VerifySignedCapability(tampered, a.PublicKey))
}

func TestHandshakeSignRoundTrip(t *testing.T) {
	a, err := New("alice.os", types.NodeRouting{})
	require.NoError(t, err)

	payload := []byte("alice.os|ephemeral-pubkey|nonce")
	sig := a.SignHandshake(payload)
	assert.True(t, VerifyHandshake(payload, sig, a.PublicKey))
	assert.False(t, VerifyHandshake([]byte("different"), sig, a.PublicKey))
}

func TestKeyfileRoundTrip(t *testing.T) {
	a, err := New("bob.os", types.NodeRouting{Kind: types.RoutingDirect, IP: "5.6.7.8", Ports: map[string]uint16{"tcp": 9001}})
	require.NoError(t, err)
	a.Owner = "0xabc"

	dir := t.TempDir()
	path := dir + "/bob.keyfile"
	require.NoError(t, a.SaveKeyfile(path, "correct horse"))

	loaded, err := LoadKeyfile(path, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, a.Name, loaded.Name)
	assert.Equal(t, a.PublicKey, loaded.PublicKey)
	assert.Equal(t, a.Owner, loaded.Owner)
	assert.Equal(t, a.Routing, loaded.Routing)

	_, err = LoadKeyfile(path, "wrong password")
	assert.Error(t, err)
}

func TestNamehash(t *testing.T) {
	assert.Equal(t, Namehash(""), Namehash(""))
	assert.NotEqual(t, NamehashHex("alice.os"), NamehashHex("bob.os"))
	// namehash is recursive left-to-right over dotted labels
	assert.NotEqual(t, NamehashHex("app.alice.os"), NamehashHex("alice.os"))
}

func TestKeccakAndSHA256Stable(t *testing.T) {
	b := []byte("hyperdrive")
	assert.Equal(t, Keccak256Hex(b), Keccak256Hex(b))
	assert.Equal(t, SHA256Hex(b), SHA256Hex(b))
	assert.NotEqual(t, Keccak256Hex(b), SHA256Hex(b))
}
