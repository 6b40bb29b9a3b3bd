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

var pipeServer = netx.Address{Host: "server", Port: 7000}

func echoTCP(t *testing.T) netx.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return netx.AddressFromNet(ln.Addr())
}

func echoUDP(t *testing.T) netx.Address {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pc.WriteToUDP(buf[:n], from)
		}
	}()
	return netx.AddressFromNet(pc.LocalAddr())
}

func startServer(t *testing.T, tr transport.Transport, addr netx.Address) transport.Listener {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := tr.Listen(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(tr, &AppServerConfig{Listen: addr, DialTimeout: 3 * time.Second, HeaderTimeout: 3 * time.Second})
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func expectEcho(t *testing.T, rw io.ReadWriter, msg string) {
	t.Helper()
	if _, err := rw.Write([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(rw, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != msg {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

func TestServerTCP(t *testing.T) {
	tr := transport.NewPipe()
	startServer(t, tr, pipeServer)
	target := echoTCP(t)

	c := tunnel.NewClient(tr, pipeServer, protocol.NewFlagSequence())
	tun, err := c.OpenTCP(testCtx(t), target)
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Close()
	expectEcho(t, tun, "hello through the tunnel")
}

func TestServerPing(t *testing.T) {
	tr := transport.NewPipe()
	startServer(t, tr, pipeServer)
	if _, err := tunnel.Ping(testCtx(t), tr, pipeServer); err != nil {
		t.Fatal(err)
	}
}

func TestServerUDP(t *testing.T) {
	tr := transport.NewPipe()
	startServer(t, tr, pipeServer)
	target := echoUDP(t)

	tun, err := tunnel.NewClient(tr, pipeServer, nil).OpenUDP(testCtx(t), target)
	if err != nil {
		t.Fatal(err)
	}
	fc := tunnel.NewFramedConn(tun)
	defer fc.Close()

	for _, msg := range []string{"one", "two"} {
		if err := fc.WriteFrame(protocol.UDPFrame{Addr: target, Payload: []byte(msg)}); err != nil {
			t.Fatal(err)
		}
		f, err := fc.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		if f.Addr != target || !bytes.Equal(f.Payload, []byte(msg)) {
			t.Fatalf("got %v %q", f.Addr, f.Payload)
		}
	}
}

func TestServerDropsGarbage(t *testing.T) {
	tr := transport.NewPipe()
	startServer(t, tr, pipeServer)

	conn, err := tr.Dial(testCtx(t), pipeServer)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	s, err := conn.OpenStream(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	// tag 0x7f is not a record type
	s.Write([]byte{0x00, 0x01, 0x7f})
	var b [1]byte
	if _, err := s.Read(b[:]); err == nil {
		t.Fatal("server answered a malformed header")
	}
}

func TestServerSmux(t *testing.T) {
	opts := transport.DefaultOptions()
	opts.Name = "smux"
	tr, err := transport.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	ln := startServer(t, tr, netx.Address{Host: "127.0.0.1"})
	server := netx.AddressFromNet(ln.Addr())
	target := echoTCP(t)

	c := tunnel.NewClient(tr, server, nil)
	for i := 0; i < 3; i++ {
		tun, err := c.OpenTCP(testCtx(t), target)
		if err != nil {
			t.Fatal(err)
		}
		expectEcho(t, tun, "smux")
		tun.Close()
	}
	if _, err := tunnel.Ping(testCtx(t), tr, server); err != nil {
		t.Fatal(err)
	}
}

// sinkTCP counts what each accepted connection delivers before EOF.
func sinkTCP(t *testing.T) (netx.Address, <-chan int64) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	counts := make(chan int64, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				n, _ := io.Copy(io.Discard, c)
				counts <- n
			}()
		}
	}()
	return netx.AddressFromNet(ln.Addr()), counts
}

func TestServerQUIC(t *testing.T) {
	for _, name := range []string{"quic", "kcp"} {
		t.Run(name, func(t *testing.T) {
			opts := transport.DefaultOptions()
			opts.Name = name
			opts.SockBuf = 0
			tr, err := transport.New(opts)
			if err != nil {
				t.Fatal(err)
			}
			ln := startServer(t, tr, netx.Address{Host: "127.0.0.1"})
			server := netx.AddressFromNet(ln.Addr())
			c := tunnel.NewClient(tr, server, protocol.NewFlagSequence())

			if _, err := tunnel.Ping(testCtx(t), tr, server); err != nil {
				t.Fatal(err)
			}

			tun, err := c.OpenTCP(testCtx(t), echoTCP(t))
			if err != nil {
				t.Fatal(err)
			}
			expectEcho(t, tun, "over "+name)
			tun.Close()

			// 写完立即关闭，数据尾部不能丢
			sink, counts := sinkTCP(t)
			tun, err = c.OpenTCP(testCtx(t), sink)
			if err != nil {
				t.Fatal(err)
			}
			const size = 1 << 20
			if _, err := tun.Write(make([]byte, size)); err != nil {
				t.Fatal(err)
			}
			tun.Close()
			select {
			case n := <-counts:
				if n != size {
					t.Fatalf("target received %d of %d bytes", n, size)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("target never saw EOF")
			}
		})
	}
}
