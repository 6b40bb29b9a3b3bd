package transport

import (
	"context"
	"crypto/sha1"
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"golang.org/x/crypto/pbkdf2"

	"github.com/threatexpert/paqet/misc"
	"github.com/threatexpert/paqet/netx"
)

const kcpSalt = "paqet-kcp"

// KCPMux runs smux over an encrypted KCP session.
type KCPMux struct {
	opts  Options
	block kcp.BlockCrypt
	log   *misc.Logger
}

func NewKCPMux(opts Options) (*KCPMux, error) {
	pass := pbkdf2.Key([]byte(opts.Key), []byte(kcpSalt), 4096, 32, sha1.New)
	block, err := kcp.NewAESBlockCrypt(pass)
	if err != nil {
		return nil, errors.Wrap(err, "kcp block crypt")
	}
	return &KCPMux{opts: opts, block: block, log: misc.NewLogger("kcpmux")}, nil
}

func (k *KCPMux) Name() string { return "kcpmux" }

func (k *KCPMux) Multiplexed() bool { return true }

type kcpNoDelay struct {
	nodelay, interval, resend, nc int
}

var kcpModes = map[string]kcpNoDelay{
	"normal": {0, 40, 2, 1},
	"fast":   {0, 30, 2, 1},
	"fast2":  {1, 20, 2, 1},
	"fast3":  {1, 10, 2, 1},
}

func (k *KCPMux) tune(conn *kcp.UDPSession) {
	o := k.opts.KCP
	nd, ok := kcpModes[o.Mode]
	if !ok {
		nd = kcpModes["fast"]
	}
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(nd.nodelay, nd.interval, nd.resend, nd.nc)
	conn.SetWindowSize(o.SndWnd, o.RcvWnd)
	conn.SetMtu(o.MTU)
	conn.SetACKNoDelay(o.AckNoDelay)
}

func (k *KCPMux) Dial(ctx context.Context, addr netx.Address) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := k.opts.KCP
	conn, err := kcp.DialWithOptions(addr.String(), k.block, o.DataShard, o.ParityShard)
	if err != nil {
		return nil, opError("dial", ErrConnect, addr, err)
	}
	k.tune(conn)
	if k.opts.SockBuf > 0 {
		if err := conn.SetReadBuffer(k.opts.SockBuf); err != nil {
			k.log.Debugf("SetReadBuffer: %v", err)
		}
		if err := conn.SetWriteBuffer(k.opts.SockBuf); err != nil {
			k.log.Debugf("SetWriteBuffer: %v", err)
		}
	}
	session, err := k.session(conn, true)
	if err != nil {
		conn.Close()
		return nil, opError("dial", ErrConnect, addr, err)
	}
	return newMuxConn(session), nil
}

func (k *KCPMux) session(conn *kcp.UDPSession, isClient bool) (*smux.Session, error) {
	var c net.Conn = conn
	if k.opts.Compress {
		c = newCompConn(conn)
	}
	muxConfig := smuxConfig(k.opts)
	if err := smux.VerifyConfig(muxConfig); err != nil {
		return nil, err
	}
	if isClient {
		return smux.Client(c, muxConfig)
	}
	return smux.Server(c, muxConfig)
}

func (k *KCPMux) Listen(ctx context.Context, addr netx.Address) (Listener, error) {
	o := k.opts.KCP
	ln, err := kcp.ListenWithOptions(addr.String(), k.block, o.DataShard, o.ParityShard)
	if err != nil {
		return nil, opError("listen", ErrBind, addr, err)
	}
	if k.opts.SockBuf > 0 {
		if err := ln.SetReadBuffer(k.opts.SockBuf); err != nil {
			k.log.Debugf("SetReadBuffer: %v", err)
		}
		if err := ln.SetWriteBuffer(k.opts.SockBuf); err != nil {
			k.log.Debugf("SetWriteBuffer: %v", err)
		}
	}
	return &kcpListener{k: k, ln: ln}, nil
}

type kcpListener struct {
	k  *KCPMux
	ln *kcp.Listener
}

func (l *kcpListener) Accept(ctx context.Context) (Conn, error) {
	c, err := acceptContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	conn := c.(*kcp.UDPSession)
	l.k.tune(conn)
	session, err := l.k.session(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newMuxConn(session), nil
}

func (l *kcpListener) Addr() net.Addr { return l.ln.Addr() }

func (l *kcpListener) Close() error { return l.ln.Close() }
