package adminapi

import "github.com/hyperdrive-os/hyperdrive/pkg/types"

// CapabilityJSON is the wire form of types.Capability: Params travels as a
// byte slice, which encoding/json already base64-encodes, so no further
// conversion is needed beyond field renaming.
type CapabilityJSON struct {
	Issuer string `json:"issuer"` // types.Address.String() form
	Params []byte `json:"params"`
}

// ListProcessesRequest has no fields; every known process is returned.
type ListProcessesRequest struct{}

// ProcessInfo is the admin-facing view of a types.ProcessRecord.
type ProcessInfo struct {
	Id         string `json:"id"` // types.ProcessId.String() form
	WasmPath   string `json:"wasm_path"`
	WitVersion uint32 `json:"wit_version"`
	OnExitKind string `json:"on_exit_kind"`
	Public     bool   `json:"public"`
}

type ListProcessesResponse struct {
	Processes []ProcessInfo `json:"processes"`
}

type SpawnProcessRequest struct {
	Id                  string           `json:"id"` // types.ProcessId.String() form
	WasmPath            string           `json:"wasm_path"`
	WitVersion          uint32           `json:"wit_version"`
	Public              bool             `json:"public"`
	OnExitKind          string           `json:"on_exit_kind"` // "none" | "restart"
	InitialCapabilities []CapabilityJSON `json:"initial_capabilities"`
}

type SpawnProcessResponse struct {
	Id string `json:"id"`
}

type KillProcessRequest struct {
	Id       string `json:"id"`
	NoRevoke bool   `json:"no_revoke"`
}

type KillProcessResponse struct{}

type RebootProcessRequest struct {
	Id string `json:"id"`
}

type RebootProcessResponse struct{}

type GrantCapabilitiesRequest struct {
	Target       string           `json:"target"` // types.ProcessId.String() form
	Capabilities []CapabilityJSON `json:"capabilities"`
}

type GrantCapabilitiesResponse struct{}

// RouterStatsRequest has no fields; the router's live counters are returned.
type RouterStatsRequest struct{}

type RouterStatsResponse struct {
	RoutedTotal     uint64 `json:"routed_total"`
	DeliveredLocal  uint64 `json:"delivered_local"`
	DeliveredRemote uint64 `json:"delivered_remote"`
	DeliveryErrors  uint64 `json:"delivery_errors"`
	RestartTotal    uint64 `json:"restart_total"`
}

func capabilityFromJSON(c CapabilityJSON) (types.Capability, error) {
	addr, err := types.ParseAddress(c.Issuer)
	if err != nil {
		return types.Capability{}, err
	}
	return types.Capability{Issuer: addr, Params: c.Params}, nil
}

func capabilitiesFromJSON(cs []CapabilityJSON) ([]types.Capability, error) {
	out := make([]types.Capability, 0, len(cs))
	for _, c := range cs {
		cap, err := capabilityFromJSON(c)
		if err != nil {
			return nil, err
		}
		out = append(out, cap)
	}
	return out, nil
}
