package tunnel

import (
	"bufio"
	"io"
	"sync"

	"github.com/threatexpert/paqet/protocol"
)

// FramedConn moves UDPFrames over a byte stream. Reads and writes may run
// concurrently with each other; each side is serialized on its own.
type FramedConn struct {
	rwc     io.ReadWriteCloser
	br      *bufio.Reader
	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// 帧缓冲池
var framePool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 2+0xffff)
		return &buf
	},
}

func NewFramedConn(rwc io.ReadWriteCloser) *FramedConn {
	return &FramedConn{rwc: rwc, br: bufio.NewReaderSize(rwc, 32*1024)}
}

func (c *FramedConn) WriteFrame(f protocol.UDPFrame) error {
	bufPtr := framePool.Get().(*[]byte)
	defer framePool.Put(bufPtr)

	frame, err := protocol.AppendFrame((*bufPtr)[:0], f)
	if err != nil {
		return err
	}
	*bufPtr = frame[:0]

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.rwc.Write(frame)
	return err
}

// ReadFrame returns io.EOF when the peer ends the stream between frames.
func (c *FramedConn) ReadFrame() (protocol.UDPFrame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return protocol.ReadFrame(c.br)
}

func (c *FramedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
