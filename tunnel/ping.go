package tunnel

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
)

// Ping opens a tunnel carrying a Ping record and waits for the server's
// Pong. The round trip includes connection setup.
func Ping(ctx context.Context, d Dialer, server netx.Address) (time.Duration, error) {
	start := time.Now()
	t, err := Open(ctx, d, server, nil, protocol.Ping{})
	if err != nil {
		return 0, err
	}
	defer t.Close()

	type result struct {
		h   protocol.Header
		err error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := protocol.ReadHeader(t)
		ch <- result{h, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, errors.WithMessage(r.err, "read pong")
		}
		if _, ok := r.h.(protocol.Pong); !ok {
			return 0, errors.Errorf("unexpected %s reply", r.h.Type())
		}
		return time.Since(start), nil
	case <-ctx.Done():
		t.Close()
		<-ch
		return 0, ctx.Err()
	}
}
