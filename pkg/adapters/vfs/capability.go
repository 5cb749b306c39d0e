package vfs

import "github.com/hyperdrive-os/hyperdrive/pkg/types"

// ReadCapability and WriteCapability are the drive-scoped rights the VFS
// service itself issues: a process holding one may Read (or, for write,
// Write/Append/AddZip/RemoveDirAll/SetSize) within drive. The service
// builds issuer from its own process id and the drive owner's publisher
// node (see createDrive and checkCapability).
func ReadCapability(issuer types.Address, drive types.Drive) types.Capability {
	return types.Capability{Issuer: issuer, Params: []byte("vfs-read:" + drive.Package)}
}

func WriteCapability(issuer types.Address, drive types.Drive) types.Capability {
	return types.Capability{Issuer: issuer, Params: []byte("vfs-write:" + drive.Package)}
}
