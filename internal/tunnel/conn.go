package tunnel

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"
)

type closeWriter interface {
	CloseWrite() error
}

// NewBufferedConn returns conn with any bytes already buffered in br served
// ahead of the connection itself. It is used after hijacking an HTTP
// connection, where the server may have read past the CONNECT request.
func NewBufferedConn(conn net.Conn, br *bufio.Reader) net.Conn {
	if br == nil || br.Buffered() == 0 {
		return conn
	}
	pending, _ := br.Peek(br.Buffered())
	buf := make([]byte, len(pending))
	copy(buf, pending)
	return &bufferedConn{Conn: conn, r: io.MultiReader(bytes.NewReader(buf), conn)}
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// idleConn refreshes the deadline of every connection in the tunnel after
// each successful read, so the tunnel only times out when both directions
// are quiet.
type idleConn struct {
	net.Conn
	timer *idleTimer
}

func (c *idleConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.timer.touch()
	}
	return n, err
}

func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

type idleTimer struct {
	timeout time.Duration
	conns   []net.Conn
}

func (t *idleTimer) touch() {
	dl := time.Now().Add(t.timeout)
	for _, c := range t.conns {
		_ = c.SetDeadline(dl)
	}
}
