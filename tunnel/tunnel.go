// Package tunnel opens tunnels to a paqet server and carries UDP sessions
// over them.
package tunnel

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
	"github.com/threatexpert/paqet/transport"
)

// Dialer is the part of a transport.Transport a client needs.
type Dialer interface {
	Dial(ctx context.Context, addr netx.Address) (transport.Conn, error)
}

// Tunnel is one stream to the server together with the Conn it runs on.
// Closing the tunnel releases both exactly once.
type Tunnel struct {
	transport.Stream
	conn transport.Conn

	closeOnce sync.Once
	closeErr  error
}

func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.Stream.Close()
		if err := t.conn.Close(); t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}

func (t *Tunnel) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *Tunnel) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// Open dials server, opens a stream and writes the intent headers. On any
// failure everything acquired so far is released.
func Open(ctx context.Context, d Dialer, server netx.Address, hint *protocol.FlagsHint, h protocol.Header) (*Tunnel, error) {
	conn, err := d.Dial(ctx, server)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "open stream")
	}
	t := &Tunnel{Stream: stream, conn: conn}
	if err := protocol.WriteIntent(stream, hint, h); err != nil {
		t.Close()
		return nil, errors.WithMessage(err, "write header")
	}
	return t, nil
}

// Client opens tunnels to one server.
type Client struct {
	Dialer Dialer
	Server netx.Address
	// Hints, when set, supplies the flags hint sent ahead of TCP tunnels.
	Hints *protocol.FlagSequence
}

func NewClient(d Dialer, server netx.Address, hints *protocol.FlagSequence) *Client {
	return &Client{Dialer: d, Server: server, Hints: hints}
}

func (c *Client) OpenTCP(ctx context.Context, target netx.Address) (*Tunnel, error) {
	var hint *protocol.FlagsHint
	if c.Hints != nil {
		hint = &protocol.FlagsHint{Flags: []protocol.TCPFlags{c.Hints.Next()}}
	}
	return Open(ctx, c.Dialer, c.Server, hint, protocol.TCPTarget{Addr: target})
}

func (c *Client) OpenUDP(ctx context.Context, target netx.Address) (*Tunnel, error) {
	return Open(ctx, c.Dialer, c.Server, nil, protocol.UDPTarget{Addr: target})
}
