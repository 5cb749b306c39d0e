package adminapi

import (
	"testing"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitiesFromJSONRoundTrip(t *testing.T) {
	in := []CapabilityJSON{
		{Issuer: "local.os@granter:pkg:local.os", Params: []byte("abc")},
	}
	out, err := capabilitiesFromJSON(in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, types.NodeId("local.os"), out[0].Issuer.Node)
	assert.Equal(t, "granter", out[0].Issuer.Process.ProcessName)
	assert.Equal(t, []byte("abc"), out[0].Params)
}

func TestCapabilitiesFromJSONRejectsMalformedIssuer(t *testing.T) {
	_, err := capabilitiesFromJSON([]CapabilityJSON{{Issuer: "garbage"}})
	assert.Error(t, err)
}

func TestCapabilitiesFromJSONEmpty(t *testing.T) {
	out, err := capabilitiesFromJSON(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
