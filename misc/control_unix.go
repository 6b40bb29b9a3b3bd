//go:build !windows

package misc

import (
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ControlTCP sets SO_REUSEADDR so a restarted listener can rebind while old
// connections sit in TIME_WAIT. UDP sockets get no such option: on Linux it
// would let two sockets share a port.
func ControlTCP(network, address string, c syscall.RawConn) error {
	var err error
	cerr := c.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// SetSocketBuffer sets both kernel buffers of a UDP socket. Zero leaves the
// system default.
func SetSocketBuffer(conn *net.UDPConn, size int) error {
	if size <= 0 {
		return nil
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "get rawconn")
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	})
	if sockErr != nil {
		return errors.Wrap(sockErr, "setsockopt")
	}
	return err
}
