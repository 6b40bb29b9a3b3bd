package apps

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/threatexpert/paqet/misc"
	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
	"github.com/threatexpert/paqet/tunnel"
)

// Forwarder relays a local TCP or UDP port to a fixed target through the
// server.
type Forwarder struct {
	client *tunnel.Client
	config *AppForwardConfig
	log    *misc.Logger
	wg     sync.WaitGroup
}

func NewForwarder(client *tunnel.Client, config *AppForwardConfig) *Forwarder {
	return &Forwarder{
		client: client,
		config: config,
		log:    misc.NewLogger("fwd"),
	}
}

// Run listens on the configured address and serves until ctx ends.
func (f *Forwarder) Run(ctx context.Context) error {
	switch f.config.Network {
	case "udp":
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(ctx, "udp", f.config.Listen.String())
		if err != nil {
			return err
		}
		return f.ServeUDP(ctx, pc.(*net.UDPConn))
	default:
		lc := net.ListenConfig{Control: misc.ControlTCP}
		ln, err := lc.Listen(ctx, "tcp", f.config.Listen.String())
		if err != nil {
			return err
		}
		return f.ServeTCP(ctx, ln)
	}
}

func (f *Forwarder) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	f.log.Printf("tcp %s -> %s via %s", ln.Addr(), f.config.Target, f.client.Server)
	var err error
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				err = nil
				break
			}
			f.log.Printf("accept: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handleTCP(ctx, conn)
		}()
	}
	f.wg.Wait()
	return err
}

func (f *Forwarder) handleTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	tun, err := f.client.OpenTCP(ctx, f.config.Target)
	if err != nil {
		f.log.Printf("%s: %v", conn.RemoteAddr(), err)
		return
	}
	stats := &netx.RelayStats{}
	if err := netx.Relay(conn, tun, stats); err != nil && !netx.IsClosedErr(err) {
		f.log.Debugf("%s: %v", conn.RemoteAddr(), err)
	}
	f.log.Debugf("%s closed, up %s, down %s", conn.RemoteAddr(),
		misc.FormatBytes(stats.AToB.Load()), misc.FormatBytes(stats.BToA.Load()))
}

// ServeUDP keeps one tunnel per peer endpoint. It returns when ctx ends or
// pc is closed, after every session has been released.
func (f *Forwarder) ServeUDP(ctx context.Context, pc *net.UDPConn) error {
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()
	defer pc.Close()

	f.log.Printf("udp %s -> %s via %s", pc.LocalAddr(), f.config.Target, f.client.Server)
	deliver := func(s *tunnel.Session, fr protocol.UDPFrame) error {
		_, err := pc.WriteToUDP(fr.Payload, s.Peer)
		return err
	}
	table := tunnel.NewTable(ctx, f.client.OpenUDP, deliver, f.log)
	defer table.Close()

	buf := make([]byte, 0xffff)
	for {
		n, peer, err := pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		key := tunnel.SessionKey{Peer: peer.AddrPort()}
		if err := table.Send(key, peer, f.config.Target, buf[:n]); err != nil {
			f.log.Printf("%v", err)
		}
	}
}
