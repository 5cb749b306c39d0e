/*
Package security provides a local certificate authority for the admin API's
mTLS listener.

A Hyperdrive node is single-owner: there is no cluster of managers that
need to agree on a shared root of trust, so the CA is not persisted or
replicated. A node generates a fresh root CA at startup, issues itself a
server certificate for the admin API's TCP+mTLS listener, and issues client
certificates to local operators on request (see pkg/adminapi).

# Certificate Hierarchy

	Root CA (self-signed, 10-year validity, RSA-4096)
	└── Admin API server certificate (90-day validity, RSA-2048)
	└── CLI client certificates (90-day validity, RSA-2048)

# Usage

	ca := security.NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		return err
	}

	serverCert, err := ca.IssueNodeCertificate("local", "admin", []string{"localhost"}, nil)
	clientCert, err := ca.IssueClientCertificate("operator")

Certificates can also be persisted to disk for reuse across CLI
invocations:

	certDir, _ := security.GetCertDir("cli", "")
	security.SaveCertToFile(clientCert, certDir)
	security.SaveCACertToFile(ca.GetRootCACert(), certDir)

# See Also

  - pkg/adminapi for the mTLS gRPC listener this CA serves
  - pkg/identity for the node's separate Ed25519 networking/capability keys
*/
package security
