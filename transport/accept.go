package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// acceptContext unblocks Accept when ctx ends by pushing the listener's
// deadline into the past.
func acceptContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dl, ok := ln.(deadlineListener)
	if !ok {
		return ln.Accept()
	}
	stop := context.AfterFunc(ctx, func() {
		dl.SetDeadline(time.Now())
	})
	c, err := ln.Accept()
	if !stop() && ctx.Err() != nil {
		if err == nil {
			c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return nil, opError("accept", ErrTransportClosed, ln.Addr(), err)
		}
		return nil, err
	}
	return c, nil
}
