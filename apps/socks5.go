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
	"github.com/threatexpert/paqet/tunnel"
)

const (
	SOCKS5_VERSION = 0x05

	AUTH_NO_AUTH = 0x00

	CMD_CONNECT       = 0x01
	CMD_BIND          = 0x02
	CMD_UDP_ASSOCIATE = 0x03

	REP_SUCCEEDED                 = 0x00
	REP_GENERAL_SOCKS_SERVER_FAIL = 0x01
	REP_COMMAND_NOT_SUPPORTED     = 0x07
)

var errSilentClose = errors.New("protocol violation")

type Socks5Request struct {
	Command byte
	Target  netx.Address
}

// Socks5Server is the SOCKS5 front end. Every accepted connection is served
// on its own goroutine; CONNECT and UDP ASSOCIATE are carried through
// tunnels opened by the client.
type Socks5Server struct {
	client *tunnel.Client
	config *AppSocksConfig
	log    *misc.Logger
	wg     sync.WaitGroup
}

func NewSocks5Server(client *tunnel.Client, config *AppSocksConfig) *Socks5Server {
	return &Socks5Server{
		client: client,
		config: config,
		log:    misc.NewLogger("socks"),
	}
}

// Serve accepts until ctx ends or ln is closed, then waits for the
// connections it started.
func (s *Socks5Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Printf("listening on %s", ln.Addr())
	var err error
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
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
			s.ServeConn(ctx, conn)
		}()
	}
	s.wg.Wait()
	return err
}

func (s *Socks5Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	timeout := s.config.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	conn.SetReadDeadline(time.Now().Add(timeout))

	// 1. SOCKS5 握手
	if err := handleSocks5Handshake(conn); err != nil {
		s.log.Debugf("handshake from %s: %v", conn.RemoteAddr(), err)
		return
	}

	// 2. SOCKS5 请求
	req, err := handleSocks5Request(conn)
	if err != nil {
		s.log.Debugf("request from %s: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch {
	case req.Command == CMD_CONNECT:
		s.handleConnect(ctx, conn, req.Target)
	case req.Command == CMD_UDP_ASSOCIATE && s.config.EnableUDP:
		s.handleUDPAssociate(ctx, conn, req.Target)
	case req.Command == CMD_BIND:
		s.log.Debugf("%s: BIND is not supported", conn.RemoteAddr())
		sendSocks5Response(conn, REP_COMMAND_NOT_SUPPORTED, req.Target)
	default:
		sendSocks5Response(conn, REP_COMMAND_NOT_SUPPORTED, req.Target)
	}
}

// handleSocks5Handshake 只支持无认证
func handleSocks5Handshake(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != SOCKS5_VERSION {
		return errSilentClose
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}
	_, err := conn.Write([]byte{SOCKS5_VERSION, AUTH_NO_AUTH})
	return err
}

func handleSocks5Request(conn net.Conn) (*Socks5Request, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != SOCKS5_VERSION {
		return nil, errSilentClose
	}
	target, err := protocol.ReadSocksAddress(conn)
	if err != nil {
		// 不支持的 ATYP 直接断开，不回复
		return nil, err
	}
	return &Socks5Request{Command: hdr[1], Target: target}, nil
}

// sendSocks5Response 发送 SOCKS5 响应
func sendSocks5Response(conn net.Conn, rep byte, bind netx.Address) error {
	resp := []byte{SOCKS5_VERSION, rep, 0x00}
	resp, err := protocol.AppendSocksAddress(resp, bind)
	if err != nil {
		resp, _ = protocol.AppendSocksAddress(resp[:3], netx.Address{Host: "0.0.0.0"})
	}
	_, err = conn.Write(resp)
	return err
}

// handleConnect replies success before the tunnel exists; a failed dial
// only shows up as the connection closing.
func (s *Socks5Server) handleConnect(ctx context.Context, conn net.Conn, target netx.Address) {
	if err := sendSocks5Response(conn, REP_SUCCEEDED, target); err != nil {
		return
	}
	tun, err := s.client.OpenTCP(ctx, target)
	if err != nil {
		s.log.Printf("connect %s: %v", target, err)
		return
	}
	s.log.Debugf("%s -> %s", conn.RemoteAddr(), target)

	stats := &netx.RelayStats{}
	err = netx.Relay(conn, tun, stats)
	if err != nil && !netx.IsClosedErr(err) {
		s.log.Debugf("%s -> %s: %v", conn.RemoteAddr(), target, err)
	}
	s.log.Debugf("%s -> %s closed, up %s, down %s", conn.RemoteAddr(), target,
		misc.FormatBytes(stats.AToB.Load()), misc.FormatBytes(stats.BToA.Load()))
}

func (s *Socks5Server) handleUDPAssociate(ctx context.Context, conn net.Conn, requested netx.Address) {
	ctrlLocal := netx.AddressFromNet(conn.LocalAddr())
	clientIP := netx.AddressFromNet(conn.RemoteAddr()).Host

	// 1. 在控制连接的本地 IP 上为客户端开一个 UDP 端口
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ctrlLocal.Host)})
	if err != nil {
		s.log.Printf("udp associate: %v", err)
		sendSocks5Response(conn, REP_GENERAL_SOCKS_SERVER_FAIL, netx.Address{Host: "0.0.0.0"})
		return
	}
	defer udpConn.Close()

	bound := netx.AddressFromNet(udpConn.LocalAddr())
	if bound.Host == "" {
		bound.Host = ctrlLocal.Host
	}
	if err := sendSocks5Response(conn, REP_SUCCEEDED, bound); err != nil {
		return
	}
	s.log.Debugf("udp associate for %s on %s (requested %s)", conn.RemoteAddr(), bound, requested)

	deliver := func(sess *tunnel.Session, f protocol.UDPFrame) error {
		d, err := f.SocksDatagram()
		if err != nil {
			return err
		}
		_, err = udpConn.WriteToUDP(d, sess.Peer)
		return err
	}
	table := tunnel.NewTable(ctx, s.client.OpenUDP, deliver, s.log)

	// 2. TCP 控制连接断开即结束整个关联
	holdDone := make(chan struct{})
	go func() {
		defer close(holdDone)
		var b [1]byte
		for {
			if _, err := conn.Read(b[:]); err != nil {
				break
			}
		}
		udpConn.Close()
	}()

	s.udpLoop(udpConn, table, clientIP)

	conn.Close()
	table.Close()
	<-holdDone
	st := table.Stats()
	s.log.Debugf("udp associate for %s ended, %d tunnels, up %s, down %s", conn.RemoteAddr(), st.Dials,
		misc.FormatBytes(st.BytesOut), misc.FormatBytes(st.BytesIn))
}

// udpLoop owns table: every lookup and insert happens here.
func (s *Socks5Server) udpLoop(udpConn *net.UDPConn, table *tunnel.Table, clientIP string) {
	buf := make([]byte, 0xffff)
	for {
		n, peer, err := udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		peerAP := peer.AddrPort()
		if clientIP != "" && peerAP.Addr().Unmap().String() != clientIP {
			s.log.Debugf("dropping datagram from %s", peer)
			continue
		}
		f, err := protocol.ParseSocksDatagram(buf[:n])
		if err != nil {
			s.log.Debugf("datagram from %s: %v", peer, err)
			continue
		}
		key := tunnel.SessionKey{Peer: peerAP, Target: f.Addr}
		if err := table.Send(key, peer, f.Addr, f.Payload); err != nil {
			s.log.Debugf("%v", err)
		}
	}
}
