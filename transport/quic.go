package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/atomic"

	"github.com/threatexpert/paqet/misc"
	"github.com/threatexpert/paqet/netx"
)

const ALPN = "paqet"

// quicLinger bounds how long a closing stream waits for the peer to finish
// its side before the connection is torn down.
const quicLinger = 3 * time.Second

// QUIC multiplexes streams over one QUIC connection. Certificates are
// generated per listener and never verified by the dialer.
type QUIC struct {
	name    string
	conf    *quic.Config
	sockBuf int
	log     *misc.Logger
}

func NewQUIC(opts Options) *QUIC {
	return newQUIC("quic", opts)
}

// NewKCP returns the "kcp" transport. It speaks QUIC on the wire and only
// differs in name; see KCPMux for a real KCP substrate.
func NewKCP(opts Options) *QUIC {
	return newQUIC("kcp", opts)
}

func newQUIC(name string, opts Options) *QUIC {
	conf := &quic.Config{
		MaxIdleTimeout:                 opts.IdleTimeout,
		KeepAlivePeriod:                opts.KeepAlive,
		MaxIncomingStreams:             1 << 16,
		MaxIncomingUniStreams:          -1,
		InitialStreamReceiveWindow:     1 << 20,
		MaxStreamReceiveWindow:         4 << 20,
		InitialConnectionReceiveWindow: 4 << 20,
		MaxConnectionReceiveWindow:     16 << 20,
	}
	return &QUIC{
		name:    name,
		conf:    conf,
		sockBuf: opts.SockBuf,
		log:     misc.NewLogger(name),
	}
}

func (q *QUIC) Name() string { return q.name }

func (q *QUIC) Multiplexed() bool { return true }

func (q *QUIC) Dial(ctx context.Context, addr netx.Address) (Conn, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
	conn, err := quic.DialAddr(ctx, addr.String(), tlsConf, q.conf)
	if err != nil {
		return nil, opError("dial", ErrConnect, addr, err)
	}
	return newQUICConn(conn), nil
}

func (q *QUIC) Listen(ctx context.Context, addr netx.Address) (Listener, error) {
	cert, err := misc.GenerateCertificate(ALPN)
	if err != nil {
		return nil, opError("listen", ErrBind, addr, err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{ALPN},
	}

	// 不设置 SO_REUSEADDR，端口被占用时必须绑定失败
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, opError("listen", ErrBind, addr, err)
	}
	udpConn := pc.(*net.UDPConn)
	if err := misc.SetSocketBuffer(udpConn, q.sockBuf); err != nil {
		q.log.Debugf("socket buffer: %v", err)
	}

	ln, err := quic.Listen(udpConn, tlsConf, q.conf)
	if err != nil {
		udpConn.Close()
		return nil, opError("listen", ErrBind, addr, err)
	}
	return &quicListener{ln: ln, pconn: udpConn}, nil
}

type quicListener struct {
	ln     *quic.Listener
	pconn  net.PacketConn
	closed atomic.Bool
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if l.closed.Load() {
			return nil, opError("accept", ErrTransportClosed, l.Addr(), err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return newQUICConn(conn), nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.ln.Close()
	l.pconn.Close()
	return err
}

type quicConn struct {
	conn quic.Connection

	mu      sync.Mutex
	closing map[*quicStream]struct{}
}

func newQUICConn(conn quic.Connection) *quicConn {
	return &quicConn{conn: conn, closing: make(map[*quicStream]struct{})}
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, c.streamErr(ctx, "open stream", err)
	}
	return newQUICStream(c, s), nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, c.streamErr(ctx, "accept stream", err)
	}
	return newQUICStream(c, s), nil
}

func (c *quicConn) streamErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.conn.Context().Err() != nil {
		return opError(op, ErrTransportClosed, c.RemoteAddr(), err)
	}
	return err
}

func (c *quicConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close waits, at most quicLinger, for closed streams to linger out.
// CloseWithError drops whatever quic-go has not sent yet.
func (c *quicConn) Close() error {
	c.mu.Lock()
	pending := make([]*quicStream, 0, len(c.closing))
	for s := range c.closing {
		pending = append(pending, s)
	}
	c.mu.Unlock()

	timer := time.NewTimer(quicLinger)
	defer timer.Stop()
wait:
	for _, s := range pending {
		select {
		case <-s.lingered:
		case <-c.conn.Context().Done():
			break wait
		case <-timer.C:
			break wait
		}
	}
	return c.conn.CloseWithError(0, "")
}

func (c *quicConn) track(s *quicStream) {
	c.mu.Lock()
	c.closing[s] = struct{}{}
	c.mu.Unlock()
}

func (c *quicConn) forget(s *quicStream) {
	c.mu.Lock()
	delete(c.closing, s)
	c.mu.Unlock()
}

// quicStream closes like a lingering TCP socket: Close sends FIN and then
// reads in the background until the peer ends its side, which it only does
// after consuming everything sent to it.
type quicStream struct {
	quic.Stream
	conn *quicConn

	readMu    sync.Mutex
	readEnd   chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
	lingered  chan struct{}
}

func newQUICStream(c *quicConn, s quic.Stream) *quicStream {
	return &quicStream{
		Stream:   s,
		conn:     c,
		readEnd:  make(chan struct{}),
		lingered: make(chan struct{}),
	}
}

func (s *quicStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	n, err := s.Stream.Read(p)
	if err != nil {
		s.endOnce.Do(func() { close(s.readEnd) })
	}
	return n, err
}

func (s *quicStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Stream.Close()
		s.Stream.SetReadDeadline(time.Now().Add(quicLinger))
		s.conn.track(s)
		go s.linger()
	})
	return err
}

func (s *quicStream) linger() {
	defer s.conn.forget(s)
	defer close(s.lingered)
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.readEnd:
			s.Stream.CancelRead(0)
			return
		default:
		}
		s.Read(buf)
	}
}
