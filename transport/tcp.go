package transport

import (
	"context"
	"net"
	"time"

	"go.uber.org/atomic"

	"github.com/threatexpert/paqet/misc"
	"github.com/threatexpert/paqet/netx"
)

// TCP carries one tunnel per socket.
type TCP struct {
	keepAlive time.Duration
}

func NewTCP(opts Options) *TCP {
	return &TCP{keepAlive: opts.KeepAlive}
}

func (t *TCP) Name() string { return "tcp" }

func (t *TCP) Multiplexed() bool { return false }

func (t *TCP) dial(ctx context.Context, addr netx.Address) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.keepAlive}
	c, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, opError("dial", ErrConnect, addr, err)
	}
	return c, nil
}

func (t *TCP) listen(ctx context.Context, addr netx.Address) (net.Listener, error) {
	lc := net.ListenConfig{Control: misc.ControlTCP}
	ln, err := lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return nil, opError("listen", ErrBind, addr, err)
	}
	return ln, nil
}

func (t *TCP) Dial(ctx context.Context, addr netx.Address) (Conn, error) {
	c, err := t.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &tcpConn{Conn: c}, nil
}

func (t *TCP) Listen(ctx context.Context, addr netx.Address) (Listener, error) {
	ln, err := t.listen(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

type tcpConn struct {
	net.Conn
	claimed atomic.Bool
}

// claim hands out the socket itself. Closing the stream closes the Conn.
func (c *tcpConn) claim() (Stream, error) {
	if !c.claimed.CompareAndSwap(false, true) {
		return nil, opError("stream", ErrAlreadyClaimed, c.RemoteAddr(), nil)
	}
	return c.Conn, nil
}

func (c *tcpConn) OpenStream(ctx context.Context) (Stream, error) {
	return c.claim()
}

func (c *tcpConn) AcceptStream(ctx context.Context) (Stream, error) {
	return c.claim()
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	c, err := acceptContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	return &tcpConn{Conn: c}, nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

func (l *tcpListener) Close() error { return l.ln.Close() }
