package adminapi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultTimeout = 10 * time.Second

// Client is a typed wrapper around a grpc.ClientConn to a running kernel's
// admin API, one method per RPC, each opening its own bounded-lifetime
// context the way pkg/client's per-call wrapper methods do.
type Client struct {
	conn *grpc.ClientConn
}

// DialUnix connects to a kernel's Unix domain admin socket. The socket is
// filesystem-permission gated, so the connection itself carries no
// transport security.
func DialUnix(path string) (*Client, error) {
	conn, err := grpc.Dial("unix:"+path, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing admin socket %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// DialTCP connects to a kernel's mTLS admin listener at addr using creds,
// normally obtained from credentials.NewTLS with a client certificate
// issued by the node's pkg/security.CertAuthority.
func DialTCP(addr string, creds grpc.DialOption) (*Client, error) {
	conn, err := grpc.Dial(addr, creds)
	if err != nil {
		return nil, fmt.Errorf("dialing admin API at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return c.conn.Invoke(ctx, serviceName+"/"+method, req, resp, withJSONCodec())
}

func (c *Client) ListProcesses() (*ListProcessesResponse, error) {
	resp := new(ListProcessesResponse)
	if err := c.invoke("ListProcesses", &ListProcessesRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SpawnProcess(req *SpawnProcessRequest) (*SpawnProcessResponse, error) {
	resp := new(SpawnProcessResponse)
	if err := c.invoke("SpawnProcess", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) KillProcess(id string, noRevoke bool) error {
	return c.invoke("KillProcess", &KillProcessRequest{Id: id, NoRevoke: noRevoke}, new(KillProcessResponse))
}

func (c *Client) RebootProcess(id string) error {
	return c.invoke("RebootProcess", &RebootProcessRequest{Id: id}, new(RebootProcessResponse))
}

func (c *Client) GrantCapabilities(target string, caps []CapabilityJSON) error {
	req := &GrantCapabilitiesRequest{Target: target, Capabilities: caps}
	return c.invoke("GrantCapabilities", req, new(GrantCapabilitiesResponse))
}

func (c *Client) RouterStats() (*RouterStatsResponse, error) {
	resp := new(RouterStatsResponse)
	if err := c.invoke("RouterStats", &RouterStatsRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
