package apps

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
	"github.com/threatexpert/paqet/transport"
	"github.com/threatexpert/paqet/tunnel"
)

// intents accepts pipe tunnels without serving them and reports the
// header each one opened with.
func intents(t *testing.T, tr *transport.Pipe) <-chan protocol.Header {
	t.Helper()
	ln, err := tr.Listen(context.Background(), pipeServer)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan protocol.Header, 16)
	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				s, err := conn.AcceptStream(context.Background())
				if err != nil {
					return
				}
				h, _, err := protocol.ReadIntent(s)
				if err != nil {
					return
				}
				ch <- h
				io.Copy(io.Discard, s)
			}()
		}
	}()
	return ch
}

func startSocks(t *testing.T, tr transport.Transport, udp bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	config := &AppSocksConfig{HandshakeTimeout: 3 * time.Second, EnableUDP: udp}
	s := NewSocks5Server(tunnel.NewClient(tr, pipeServer, nil), config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func socksDial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	var reply [2]byte
	if _, err := io.ReadFull(c, reply[:]); err != nil {
		t.Fatal(err)
	}
	if reply != [2]byte{0x05, 0x00} {
		t.Fatalf("method reply = % x", reply)
	}
	return c
}

func socksRequest(t *testing.T, c net.Conn, cmd byte, target netx.Address) (byte, netx.Address) {
	t.Helper()
	req, err := protocol.AppendSocksAddress([]byte{0x05, cmd, 0x00}, target)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	var hdr [3]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		t.Fatal(err)
	}
	bound, err := protocol.ReadSocksAddress(c)
	if err != nil {
		t.Fatal(err)
	}
	return hdr[1], bound
}

func TestSocksConnectIntent(t *testing.T) {
	tr := transport.NewPipe()
	seen := intents(t, tr)
	addr := startSocks(t, tr, true)

	target := netx.Address{Host: "example.com", Port: 80}
	c := socksDial(t, addr)
	rep, bound := socksRequest(t, c, CMD_CONNECT, target)
	if rep != REP_SUCCEEDED || bound != target {
		t.Fatalf("reply %d %v", rep, bound)
	}

	select {
	case h := <-seen:
		if h != protocol.Header(protocol.TCPTarget{Addr: target}) {
			t.Fatalf("intent = %#v", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no tunnel opened")
	}
}

func TestSocksConnectRelay(t *testing.T) {
	tr := transport.NewPipe()
	startServer(t, tr, pipeServer)
	addr := startSocks(t, tr, true)
	target := echoTCP(t)

	c := socksDial(t, addr)
	if rep, _ := socksRequest(t, c, CMD_CONNECT, target); rep != REP_SUCCEEDED {
		t.Fatalf("reply %d", rep)
	}
	expectEcho(t, c, "through socks")
}

func TestSocksUnsupportedCommand(t *testing.T) {
	tr := transport.NewPipe()
	addr := startSocks(t, tr, false)
	target := netx.Address{Host: "10.1.2.3", Port: 9}

	for _, cmd := range []byte{CMD_BIND, CMD_UDP_ASSOCIATE} {
		c := socksDial(t, addr)
		rep, bound := socksRequest(t, c, cmd, target)
		if rep != REP_COMMAND_NOT_SUPPORTED || bound != target {
			t.Errorf("cmd %d: reply %d %v", cmd, rep, bound)
		}
	}
	if tr.Dials() != 0 {
		t.Errorf("dials = %d", tr.Dials())
	}
}

func TestSocksBadVersion(t *testing.T) {
	addr := startSocks(t, transport.NewPipe(), true)
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	c.Write([]byte{0x04, 0x01})
	b, err := io.ReadAll(c)
	if err != nil || len(b) != 0 {
		t.Fatalf("read %x, %v", b, err)
	}
}

func TestSocksUDPAssociate(t *testing.T) {
	tr := transport.NewPipe()
	startServer(t, tr, pipeServer)
	addr := startSocks(t, tr, true)
	target := echoUDP(t)

	c := socksDial(t, addr)
	rep, bound := socksRequest(t, c, CMD_UDP_ASSOCIATE, netx.Address{Host: "0.0.0.0"})
	if rep != REP_SUCCEEDED || bound.Port == 0 {
		t.Fatalf("reply %d %v", rep, bound)
	}
	relay, err := bound.ResolveUDP()
	if err != nil {
		t.Fatal(err)
	}

	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	pc.SetDeadline(time.Now().Add(5 * time.Second))

	d, err := protocol.UDPFrame{Addr: target, Payload: []byte("dns?")}.SocksDatagram()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pc.WriteToUDP(d, relay); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2048)
	n, _, err := pc.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	f, err := protocol.ParseSocksDatagram(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if f.Addr != target || !bytes.Equal(f.Payload, []byte("dns?")) {
		t.Fatalf("got %v %q", f.Addr, f.Payload)
	}
}
