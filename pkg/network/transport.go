package network

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a framed, ordered byte-stream connection to a peer, abstracting
// over the two transport protocols the spec names: "ws" and "tcp".
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	SetDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// tcpConn frames a plain net.Conn with writeFrame/readFrame.
type tcpConn struct {
	c net.Conn
}

func newTCPConn(c net.Conn) *tcpConn { return &tcpConn{c: c} }

func (t *tcpConn) ReadFrame() ([]byte, error)  { return readFrame(t.c) }
func (t *tcpConn) WriteFrame(b []byte) error   { return writeFrame(t.c, b) }
func (t *tcpConn) SetDeadline(d time.Time) error { return t.c.SetDeadline(d) }
func (t *tcpConn) RemoteAddr() string          { return t.c.RemoteAddr().String() }
func (t *tcpConn) Close() error                { return t.c.Close() }

// DialTCP opens a "tcp" protocol peer connection.
func DialTCP(addr string) (Conn, error) {
	c, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing tcp %s: %w", addr, err)
	}
	return newTCPConn(c), nil
}

// ListenTCP starts accepting "tcp" protocol peer connections.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// wsConn frames a gorilla/websocket connection; each websocket binary
// message is one frame, so no additional length-prefixing is needed.
type wsConn struct {
	c *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn { return &wsConn{c: c} }

func (w *wsConn) ReadFrame() ([]byte, error) {
	kind, data, err := w.c.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message kind %d", kind)
	}
	return data, nil
}

func (w *wsConn) WriteFrame(b []byte) error {
	return w.c.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsConn) SetDeadline(d time.Time) error {
	if err := w.c.SetReadDeadline(d); err != nil {
		return err
	}
	return w.c.SetWriteDeadline(d)
}

func (w *wsConn) RemoteAddr() string { return w.c.RemoteAddr().String() }
func (w *wsConn) Close() error       { return w.c.Close() }

var wsDialer = websocket.Dialer{HandshakeTimeout: 10 * time.Second}

// DialWS opens a "ws" protocol peer connection at ws://addr/hyperdrive.
func DialWS(addr string) (Conn, error) {
	u := fmt.Sprintf("ws://%s/hyperdrive", addr)
	c, _, err := wsDialer.Dial(u, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing ws %s: %w", u, err)
	}
	return newWSConn(c), nil
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
