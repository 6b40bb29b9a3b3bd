package apps

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/threatexpert/paqet/misc"
	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
	"github.com/threatexpert/paqet/transport"
	"github.com/threatexpert/paqet/tunnel"
)

// Server accepts tunnels and connects them to their targets.
type Server struct {
	tr     transport.Transport
	config *AppServerConfig
	log    *misc.Logger
	wg     sync.WaitGroup
}

func NewServer(tr transport.Transport, config *AppServerConfig) *Server {
	return &Server{
		tr:     tr,
		config: config,
		log:    misc.NewLogger("server"),
	}
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.tr.Listen(ctx, s.config.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	defer ln.Close()
	s.log.Printf("%s listening on %s", s.tr.Name(), ln.Addr())

	var err error
	for {
		var conn transport.Conn
		conn, err = ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrTransportClosed) {
				err = nil
				break
			}
			s.log.Printf("accept: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn transport.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.log.Debugf("conn from %s", conn.RemoteAddr())
	if !transport.Multiplexed(s.tr) {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			s.log.Debugf("%s: %v", conn.RemoteAddr(), err)
			return
		}
		s.handleStream(ctx, conn, stream)
		return
	}

	var wg sync.WaitGroup
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrTransportClosed) && ctx.Err() == nil {
				s.log.Debugf("%s: %v", conn.RemoteAddr(), err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleStream(ctx, conn, stream)
		}()
	}
	wg.Wait()
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

func (s *Server) handleStream(ctx context.Context, conn transport.Conn, stream transport.Stream) {
	defer stream.Close()

	rd, hasDeadline := stream.(readDeadliner)
	if hasDeadline && s.config.HeaderTimeout > 0 {
		rd.SetReadDeadline(time.Now().Add(s.config.HeaderTimeout))
	}
	h, hint, err := protocol.ReadIntent(stream)
	if err != nil {
		if err != io.EOF {
			s.log.Printf("%s: %v", conn.RemoteAddr(), err)
		}
		return
	}
	if hasDeadline {
		rd.SetReadDeadline(time.Time{})
	}
	if hint != nil {
		s.log.Debugf("%s: flags hint %v", conn.RemoteAddr(), hint.Flags)
	}

	switch h := h.(type) {
	case protocol.Ping:
		if err := protocol.WriteHeader(stream, protocol.Pong{}); err != nil {
			s.log.Debugf("%s: pong: %v", conn.RemoteAddr(), err)
		}
	case protocol.TCPTarget:
		s.handleTCP(ctx, conn, stream, h.Addr)
	case protocol.UDPTarget:
		s.handleUDP(ctx, conn, stream, h.Addr)
	default:
		s.log.Printf("%s: unexpected %s record", conn.RemoteAddr(), h.Type())
	}
}

func (s *Server) handleTCP(ctx context.Context, conn transport.Conn, stream transport.Stream, target netx.Address) {
	dialCtx := ctx
	if s.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.config.DialTimeout)
		defer cancel()
	}
	var d net.Dialer
	out, err := d.DialContext(dialCtx, "tcp", target.String())
	if err != nil {
		s.log.Printf("%s: dial %s: %v", conn.RemoteAddr(), target, err)
		return
	}
	s.log.Debugf("%s: tcp %s", conn.RemoteAddr(), target)

	stats := &netx.RelayStats{}
	if err := netx.Relay(stream, out, stats); err != nil && !netx.IsClosedErr(err) {
		s.log.Debugf("%s: tcp %s: %v", conn.RemoteAddr(), target, err)
	}
	s.log.Debugf("%s: tcp %s closed, up %s, down %s", conn.RemoteAddr(), target,
		misc.FormatBytes(stats.AToB.Load()), misc.FormatBytes(stats.BToA.Load()))
}

// handleUDP bridges frames on stream to an unconnected UDP socket. Frames
// without a host go to the header's target; replies carry their source.
func (s *Server) handleUDP(ctx context.Context, conn transport.Conn, stream transport.Stream, target netx.Address) {
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		s.log.Printf("%s: udp %s: %v", conn.RemoteAddr(), target, err)
		return
	}
	defer pc.Close()
	s.log.Debugf("%s: udp %s on %s", conn.RemoteAddr(), target, pc.LocalAddr())

	fc := tunnel.NewFramedConn(stream)
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		resolved := make(map[netx.Address]*net.UDPAddr)
		for {
			f, err := fc.ReadFrame()
			if err != nil {
				if err != io.EOF && !netx.IsClosedErr(err) {
					s.log.Debugf("%s: udp %s: %v", conn.RemoteAddr(), target, err)
				}
				return
			}
			dst := f.Addr
			if dst.Host == "" {
				dst = target
			}
			ua, ok := resolved[dst]
			if !ok {
				if ua, err = dst.ResolveUDP(); err != nil {
					s.log.Debugf("%s: %v", conn.RemoteAddr(), err)
					continue
				}
				resolved[dst] = ua
			}
			if _, err := pc.WriteToUDP(f.Payload, ua); err != nil {
				s.log.Debugf("%s: udp write %s: %v", conn.RemoteAddr(), ua, err)
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 0xffff)
		for {
			n, src, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reply := protocol.UDPFrame{Addr: netx.AddressFromNet(src), Payload: buf[:n]}
			if err := fc.WriteFrame(reply); err != nil {
				return
			}
		}
	}()

	<-done
	pc.Close()
	fc.Close()
	<-done
}
