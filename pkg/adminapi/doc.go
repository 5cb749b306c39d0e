/*
Package adminapi is the kernel's local control surface: a gRPC service a
CLI uses to list, spawn, kill, reboot, and grant capabilities to
processes on a running node, without going through the process
message-passing surface those processes themselves use.

The retrieval pack carries no .proto sources or generated *.pb.go for any
example repo, so this package never reaches for protobuf. It instead
registers a plain JSON grpc-go codec (see codec.go) and hand-writes the
grpc.ServiceDesc a protoc-gen-go-grpc run would otherwise emit (see
service_desc.go), using ordinary Go structs (see types.go) as request and
response types.

Two listeners serve the same six RPCs:

  - a Unix domain socket, filesystem-permission gated to the node's own
    user, full read/write. A Hyperdrive node has one local operator, so
    unlike a multi-manager cluster's admin socket this one is not
    restricted to read-only methods.
  - an mTLS TCP listener, for a remote operator, backed by a local
    certificate authority (pkg/security) that a single-owner node
    generates fresh at every start rather than persisting.

	sup := kernel.New(ctx, nodeID, net, store)
	srv := adminapi.NewServer(sup)
	srv.ListenUnix("/run/hyperdrive/admin.sock")
	srv.ListenTCP(":4433", ca)

	cli, _ := adminapi.DialUnix("/run/hyperdrive/admin.sock")
	resp, _ := cli.ListProcesses()
*/
package adminapi
