package misc

import (
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// ControlTCP leaves the socket alone: Windows rebinds across TIME_WAIT by
// default and SO_REUSEADDR there would allow taking over a bound port.
func ControlTCP(network, address string, c syscall.RawConn) error {
	return nil
}

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
		h := windows.Handle(fd)
		if sockErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, size); sockErr != nil {
			return
		}
		sockErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, size)
	})
	if sockErr != nil {
		return errors.Wrap(sockErr, "setsockopt")
	}
	return err
}
