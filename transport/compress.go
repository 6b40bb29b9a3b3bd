package transport

import (
	"net"
	"sync"

	"github.com/klauspost/compress/s2"
)

// compConn compresses a connection with s2 stream framing. Every Write is
// flushed so that mux frames are never held back.
type compConn struct {
	net.Conn
	r  *s2.Reader
	w  *s2.Writer
	mu sync.Mutex
}

func newCompConn(conn net.Conn) *compConn {
	return &compConn{
		Conn: conn,
		r:    s2.NewReader(conn),
		w:    s2.NewWriter(conn, s2.WriterConcurrency(1)),
	}
}

func (c *compConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *compConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.w.Write(p)
	if err == nil {
		err = c.w.Flush()
	}
	return n, err
}

func (c *compConn) Close() error {
	c.mu.Lock()
	c.w.Close()
	c.mu.Unlock()
	return c.Conn.Close()
}
