package rpc

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/marmos91/unifyfs/internal/wire"
)

// Client issues calls against one connection. §4.1 guarantees at most one
// in-flight call per handle, so Client serializes Call under a mutex
// rather than multiplexing request ids onto the wire.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	mu   sync.Mutex
}

// Dial opens a connection to addr over network (e.g. "tcp" for
// server↔server, "unix" for a client's co-located server).
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s %s: %w", network, addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an already-established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// Call sends a request under opcode op and returns the response payload.
// A handler-side error surfaces as a Go error here; §7 specifies that a
// correct implementation converts transport failures to a single EIO at
// the POSIX boundary, which is the caller's job once it has this error.
func (c *Client) Call(op wire.Opcode, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.w, frameCall, op, req); err != nil {
		return nil, fmt.Errorf("rpc: send %s: %w", op, err)
	}

	kind, _, payload, err := readFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("rpc: receive %s: %w", op, err)
	}
	if kind == frameErr {
		return nil, fmt.Errorf("rpc: %s: %s", op, string(payload))
	}
	return payload, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
