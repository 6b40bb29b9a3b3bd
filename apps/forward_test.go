package apps

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
	"github.com/threatexpert/paqet/transport"
	"github.com/threatexpert/paqet/tunnel"
)

func startForwardUDP(t *testing.T, tr transport.Transport, target netx.Address) *net.UDPAddr {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	config := &AppForwardConfig{Network: "udp", Target: target, Server: pipeServer}
	f := NewForwarder(tunnel.NewClient(tr, pipeServer, nil), config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.ServeUDP(ctx, pc)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return pc.LocalAddr().(*net.UDPAddr)
}

func TestForwardUDPOneTunnelPerPeer(t *testing.T) {
	tr := transport.NewPipe()
	seen := intents(t, tr)
	target := netx.Address{Host: "10.0.0.5", Port: 53}
	local := startForwardUDP(t, tr, target)

	pc, err := net.DialUDP("udp", nil, local)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	for i := 0; i < 3; i++ {
		pc.Write([]byte("query"))
	}

	select {
	case h := <-seen:
		if h != protocol.Header(protocol.UDPTarget{Addr: target}) {
			t.Fatalf("intent = %#v", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no tunnel opened")
	}
	time.Sleep(100 * time.Millisecond)
	if n := tr.Dials(); n != 1 {
		t.Fatalf("dials = %d", n)
	}
}

func TestForwardUDPRoundTrip(t *testing.T) {
	tr := transport.NewPipe()
	startServer(t, tr, pipeServer)
	target := echoUDP(t)
	local := startForwardUDP(t, tr, target)

	pc, err := net.DialUDP("udp", nil, local)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	pc.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := pc.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := pc.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestForwardTCP(t *testing.T) {
	tr := transport.NewPipe()
	startServer(t, tr, pipeServer)
	target := echoTCP(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	config := &AppForwardConfig{Network: "tcp", Target: target, Server: pipeServer}
	f := NewForwarder(tunnel.NewClient(tr, pipeServer, protocol.NewFlagSequence()), config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.ServeTCP(ctx, ln)
	}()
	defer func() {
		cancel()
		<-done
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	expectEcho(t, c, "forwarded")
}
