package transport

import (
	"context"
	"net"
	"sync"

	"go.uber.org/atomic"

	"github.com/threatexpert/paqet/netx"
)

// Pipe is an in-process transport built on net.Pipe. It behaves like tcp
// (one stream per Conn) and counts dials, which makes it handy for tests.
type Pipe struct {
	mu        sync.Mutex
	listeners map[netx.Address]*pipeListener
	dials     atomic.Int64
}

func NewPipe() *Pipe {
	return &Pipe{listeners: make(map[netx.Address]*pipeListener)}
}

func (p *Pipe) Name() string { return "pipe" }

func (p *Pipe) Multiplexed() bool { return false }

// Dials is the number of Dial calls made so far, failed ones included.
func (p *Pipe) Dials() int64 { return p.dials.Load() }

func (p *Pipe) Dial(ctx context.Context, addr netx.Address) (Conn, error) {
	p.dials.Inc()
	p.mu.Lock()
	l := p.listeners[addr]
	p.mu.Unlock()
	if l == nil {
		return nil, opError("dial", ErrConnect, addr, nil)
	}

	local, remote := net.Pipe()
	select {
	case l.ch <- remote:
		return &tcpConn{Conn: local}, nil
	case <-l.done:
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	if ctx.Err() != nil {
		return nil, opError("dial", ErrConnect, addr, ctx.Err())
	}
	return nil, opError("dial", ErrConnect, addr, net.ErrClosed)
}

func (p *Pipe) Listen(ctx context.Context, addr netx.Address) (Listener, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.listeners[addr]; ok {
		return nil, opError("listen", ErrBind, addr, nil)
	}
	l := &pipeListener{
		p:    p,
		addr: addr,
		ch:   make(chan net.Conn),
		done: make(chan struct{}),
	}
	p.listeners[addr] = l
	return l, nil
}

type pipeListener struct {
	p     *Pipe
	addr  netx.Address
	ch    chan net.Conn
	done  chan struct{}
	close sync.Once
}

func (l *pipeListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.ch:
		return &tcpConn{Conn: c}, nil
	case <-l.done:
		return nil, opError("accept", ErrTransportClosed, l.addr, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr(l.addr.String()) }

func (l *pipeListener) Close() error {
	l.close.Do(func() {
		close(l.done)
		l.p.mu.Lock()
		delete(l.p.listeners, l.addr)
		l.p.mu.Unlock()
	})
	return nil
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }

func (a pipeAddr) String() string { return string(a) }
