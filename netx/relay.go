package netx

import (
	"errors"
	"io"
	"net"

	"github.com/sagernet/sing/common/buf"
	"go.uber.org/atomic"
)

const RelayBufferSize = 16 * 1024

var pool buf.Allocator = buf.DefaultAllocator

// Copy moves bytes from src to dst until src reports EOF. EOF is not an error.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	return copyCounted(dst, src, nil)
}

func copyCounted(dst io.Writer, src io.Reader, counter *atomic.Int64) (int64, error) {
	b := pool.Get(RelayBufferSize)
	defer func() {
		_ = pool.Put(b)
	}()

	var written int64
	for {
		nr, rerr := src.Read(b)
		if nr > 0 {
			nw, werr := dst.Write(b[:nr])
			if nw > 0 {
				written += int64(nw)
				if counter != nil {
					counter.Add(int64(nw))
				}
			}
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// RelayStats counts bytes moved by a Relay. It is safe to read while the
// relay is running.
type RelayStats struct {
	AToB atomic.Int64
	BToA atomic.Int64
}

type ChanError struct {
	id  int
	err error
}

// Relay runs a full-duplex copy between a and b. As soon as either
// direction stops both endpoints are closed, then Relay waits for the other
// direction and returns the first error seen.
func Relay(a, b io.ReadWriteCloser, stats *RelayStats) error {
	if stats == nil {
		stats = &RelayStats{}
	}
	errCh := make(chan ChanError, 2)
	go func() {
		_, err := copyCounted(b, a, &stats.AToB)
		errCh <- ChanError{id: 1, err: err}
	}()
	go func() {
		_, err := copyCounted(a, b, &stats.BToA)
		errCh <- ChanError{id: 2, err: err}
	}()

	first := <-errCh
	a.Close()
	b.Close()
	second := <-errCh

	if first.err != nil {
		return first.err
	}
	if second.err != nil && !IsClosedErr(second.err) {
		return second.err
	}
	return nil
}

// IsClosedErr reports errors produced by reading or writing an endpoint that
// was closed locally.
func IsClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return true
	}
	var cl interface{ Closed() bool }
	if errors.As(err, &cl) {
		return cl.Closed()
	}
	return false
}
