package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/threatexpert/paqet/netx"
)

// UDPFrame is one datagram carried inside a UDP tunnel stream.
type UDPFrame struct {
	Addr    netx.Address
	Payload []byte
}

const frameHeadroom = 2 + 1 + 1 + 255 + 2

// AppendFrame appends the tunnel wire form of f:
// u16 length | 0x03 | u8 host length | host | u16 port | payload
func AppendFrame(dst []byte, f UDPFrame) ([]byte, error) {
	if len(f.Addr.Host) > 255 {
		return nil, errors.Errorf("frame host too long (%d bytes)", len(f.Addr.Host))
	}
	n := 1 + 1 + len(f.Addr.Host) + 2 + len(f.Payload)
	if n > maxRecordSize {
		return nil, errors.Errorf("frame too large (%d bytes)", n)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	dst = append(dst, ATYPDomain, byte(len(f.Addr.Host)))
	dst = append(dst, f.Addr.Host...)
	dst = binary.BigEndian.AppendUint16(dst, f.Addr.Port)
	return append(dst, f.Payload...), nil
}

// MaxFramePayload is the largest payload that fits a frame addressed to host.
func MaxFramePayload(host string) int {
	return maxRecordSize - (1 + 1 + len(host) + 2)
}

// WriteFrame writes f with one Write call.
func WriteFrame(w io.Writer, f UDPFrame) error {
	b, err := AppendFrame(make([]byte, 0, frameHeadroom+len(f.Payload)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one frame. io.EOF is returned when the stream ends on a
// frame boundary.
func ReadFrame(r io.Reader) (UDPFrame, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return UDPFrame{}, io.EOF
		}
		return UDPFrame{}, readErr(err)
	}
	body := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return UDPFrame{}, readErr(err)
	}
	return ParseFrame(body)
}

// ParseFrame decodes a frame body, the bytes after the length prefix. The
// returned payload aliases body.
func ParseFrame(body []byte) (UDPFrame, error) {
	if len(body) < 2 {
		return UDPFrame{}, malformedf("frame truncated")
	}
	if body[0] != ATYPDomain {
		return UDPFrame{}, malformedf("unsupported frame address type 0x%02x", body[0])
	}
	hostLen := int(body[1])
	if len(body) < 2+hostLen+2 {
		return UDPFrame{}, malformedf("frame truncated")
	}
	host := string(body[2 : 2+hostLen])
	port := binary.BigEndian.Uint16(body[2+hostLen:])
	return UDPFrame{
		Addr:    netx.Address{Host: host, Port: port},
		Payload: body[2+hostLen+2:],
	}, nil
}

// SocksDatagram encodes f as a SOCKS5 UDP request datagram.
func (f UDPFrame) SocksDatagram() ([]byte, error) {
	b := make([]byte, 3, 4+255+2+len(f.Payload))
	b, err := AppendSocksAddress(b, f.Addr)
	if err != nil {
		return nil, err
	}
	return append(b, f.Payload...), nil
}

// ParseSocksDatagram decodes a SOCKS5 UDP request datagram. Fragmented
// datagrams are rejected. The returned payload aliases b.
func ParseSocksDatagram(b []byte) (UDPFrame, error) {
	if len(b) < 4 {
		return UDPFrame{}, malformedf("datagram truncated")
	}
	if b[2] != 0 {
		return UDPFrame{}, malformedf("fragmented datagram (frag=%d)", b[2])
	}
	a, n, err := ParseSocksAddress(b[3:])
	if err != nil {
		return UDPFrame{}, err
	}
	return UDPFrame{Addr: a, Payload: b[3+n:]}, nil
}
