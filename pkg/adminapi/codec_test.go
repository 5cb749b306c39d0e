package adminapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	var codec jsonCodec

	req := &SpawnProcessRequest{Id: "app:pkg:local.os", WasmPath: "/app.wasm", WitVersion: 1}
	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var out SpawnProcessRequest
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, *req, out)
}

func TestJSONCodecName(t *testing.T) {
	var codec jsonCodec
	assert.Equal(t, "json", codec.Name())
}
