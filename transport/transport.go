// Package transport provides the connection substrates a tunnel runs on.
//
// A Transport dials and listens. A Conn yields Streams; single-stream
// transports hand out exactly one, multiplexed ones any number.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/threatexpert/paqet/netx"
)

type Stream interface {
	io.ReadWriteCloser
}

type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

type Transport interface {
	Name() string
	Dial(ctx context.Context, addr netx.Address) (Conn, error)
	Listen(ctx context.Context, addr netx.Address) (Listener, error)
}

var (
	ErrConnect         = errors.New("connect failed")
	ErrBind            = errors.New("bind failed")
	ErrTransportClosed = errors.New("transport closed")
	ErrAlreadyClaimed  = errors.New("stream already claimed")
)

// OpError carries the kind of a transport failure together with its cause.
// errors.Is matches both.
type OpError struct {
	Op   string
	Kind error
	Addr string
	Err  error
}

func (e *OpError) Error() string {
	s := e.Op
	if e.Addr != "" {
		s += " " + e.Addr
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind error, addr fmt.Stringer, err error) error {
	var a string
	if addr != nil {
		a = addr.String()
	}
	return &OpError{Op: op, Kind: kind, Addr: a, Err: err}
}

// Multiplexed reports whether Conns of t hand out independent streams.
func Multiplexed(t Transport) bool {
	m, ok := t.(interface{ Multiplexed() bool })
	return ok && m.Multiplexed()
}

// Names lists the transports New accepts.
var Names = []string{"tcp", "quic", "kcp", "smux", "yamux", "kcpmux"}

// New returns the transport named by opts.Name.
func New(opts Options) (Transport, error) {
	switch opts.Name {
	case "", "tcp":
		return NewTCP(opts), nil
	case "quic":
		return NewQUIC(opts), nil
	case "kcp":
		return NewKCP(opts), nil
	case "smux", "yamux":
		return NewMux(opts.Name, opts), nil
	case "kcpmux":
		return NewKCPMux(opts)
	}
	return nil, errors.Errorf("unknown transport %q", opts.Name)
}
