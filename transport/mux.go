package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/xtaci/smux"
	"go.uber.org/atomic"

	"github.com/threatexpert/paqet/netx"
)

// Mux runs an smux or yamux session over one TCP connection.
type Mux struct {
	engine   string
	tcp      *TCP
	opts     Options
	compress bool
}

func NewMux(engine string, opts Options) *Mux {
	return &Mux{
		engine:   engine,
		tcp:      NewTCP(opts),
		opts:     opts,
		compress: opts.Compress,
	}
}

func (m *Mux) Name() string { return m.engine }

func (m *Mux) Multiplexed() bool { return true }

func (m *Mux) Dial(ctx context.Context, addr netx.Address) (Conn, error) {
	c, err := m.tcp.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	var conn net.Conn = c
	if m.compress {
		conn = newCompConn(c)
	}
	session, err := createMuxSession(m.engine, conn, true, m.opts)
	if err != nil {
		conn.Close()
		return nil, opError("dial", ErrConnect, addr, err)
	}
	return newMuxConn(session), nil
}

func (m *Mux) Listen(ctx context.Context, addr netx.Address) (Listener, error) {
	ln, err := m.tcp.listen(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &muxListener{engine: m.engine, ln: ln, opts: m.opts, compress: m.compress}, nil
}

type muxListener struct {
	engine   string
	ln       net.Listener
	opts     Options
	compress bool
}

func (l *muxListener) Accept(ctx context.Context) (Conn, error) {
	c, err := acceptContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	var conn net.Conn = c
	if l.compress {
		conn = newCompConn(c)
	}
	session, err := createMuxSession(l.engine, conn, false, l.opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newMuxConn(session), nil
}

func (l *muxListener) Addr() net.Addr { return l.ln.Addr() }

func (l *muxListener) Close() error { return l.ln.Close() }

func smuxConfig(opts Options) *smux.Config {
	muxConfig := smux.DefaultConfig()
	if opts.KeepAlive == 0 {
		muxConfig.KeepAliveDisabled = true
	} else {
		muxConfig.KeepAliveInterval = opts.KeepAlive
		muxConfig.KeepAliveTimeout = 3 * opts.KeepAlive
	}
	if opts.Mux.MaxReceiveBuffer > 0 {
		muxConfig.MaxReceiveBuffer = opts.Mux.MaxReceiveBuffer
	}
	if opts.Mux.MaxStreamBuffer > 0 {
		muxConfig.MaxStreamBuffer = opts.Mux.MaxStreamBuffer
	}
	if muxConfig.MaxStreamBuffer > muxConfig.MaxReceiveBuffer {
		muxConfig.MaxStreamBuffer = muxConfig.MaxReceiveBuffer
	}
	return muxConfig
}

func createMuxSession(engine string, conn io.ReadWriteCloser, isClient bool, opts Options) (any, error) {
	switch engine {
	case "yamux":
		muxConfig := yamux.DefaultConfig()
		muxConfig.LogOutput = io.Discard
		if opts.KeepAlive == 0 {
			muxConfig.EnableKeepAlive = false
		} else {
			muxConfig.EnableKeepAlive = true
			muxConfig.KeepAliveInterval = opts.KeepAlive
		}
		if opts.Mux.MaxStreamBuffer > int(muxConfig.MaxStreamWindowSize) {
			muxConfig.MaxStreamWindowSize = uint32(opts.Mux.MaxStreamBuffer)
		}
		if isClient {
			return yamux.Client(conn, muxConfig)
		}
		return yamux.Server(conn, muxConfig)
	case "smux":
		muxConfig := smuxConfig(opts)
		if err := smux.VerifyConfig(muxConfig); err != nil {
			return nil, err
		}
		if isClient {
			return smux.Client(conn, muxConfig)
		}
		return smux.Server(conn, muxConfig)
	default:
		return nil, fmt.Errorf("unknown mux engine: %s", engine)
	}
}

type muxConn struct {
	session any
	closed  atomic.Bool
}

func newMuxConn(session any) *muxConn {
	return &muxConn{session: session}
}

func (c *muxConn) OpenStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stream net.Conn
	var err error
	switch s := c.session.(type) {
	case *yamux.Session:
		stream, err = s.Open()
	case *smux.Session:
		stream, err = s.OpenStream()
	}
	if err != nil {
		return nil, c.streamErr("open stream", err)
	}
	return stream, nil
}

func (c *muxConn) AcceptStream(ctx context.Context) (Stream, error) {
	var stream net.Conn
	var err error
	switch s := c.session.(type) {
	case *yamux.Session:
		stream, err = s.AcceptStreamWithContext(ctx)
	case *smux.Session:
		stop := context.AfterFunc(ctx, func() {
			s.SetDeadline(time.Now())
		})
		stream, err = s.AcceptStream()
		stop()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.streamErr("accept stream", err)
	}
	return stream, nil
}

func (c *muxConn) streamErr(op string, err error) error {
	if c.isClosed() || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, yamux.ErrSessionShutdown) {
		return opError(op, ErrTransportClosed, c.RemoteAddr(), err)
	}
	return err
}

func (c *muxConn) isClosed() bool {
	if c.closed.Load() {
		return true
	}
	switch s := c.session.(type) {
	case *yamux.Session:
		return s.IsClosed()
	case *smux.Session:
		return s.IsClosed()
	}
	return false
}

func (c *muxConn) LocalAddr() net.Addr {
	switch s := c.session.(type) {
	case *yamux.Session:
		return s.LocalAddr()
	case *smux.Session:
		return s.LocalAddr()
	}
	return nil
}

func (c *muxConn) RemoteAddr() net.Addr {
	switch s := c.session.(type) {
	case *yamux.Session:
		return s.RemoteAddr()
	case *smux.Session:
		return s.RemoteAddr()
	}
	return nil
}

func (c *muxConn) Close() error {
	c.closed.Store(true)
	switch s := c.session.(type) {
	case *yamux.Session:
		return s.Close()
	case *smux.Session:
		return s.Close()
	}
	return nil
}
