package protocol

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/threatexpert/paqet/netx"
)

type HeaderType uint8

const (
	TypePing     HeaderType = 0x01
	TypePong     HeaderType = 0x02
	TypeTCPFlags HeaderType = 0x03
	TypeTCP      HeaderType = 0x04
	TypeUDP      HeaderType = 0x05
)

func (t HeaderType) String() string {
	switch t {
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeTCPFlags:
		return "tcpflags"
	case TypeTCP:
		return "tcp"
	case TypeUDP:
		return "udp"
	}
	return "unknown"
}

// Header is one control record on a tunnel stream. The concrete types are
// Ping, Pong, FlagsHint, TCPTarget and UDPTarget.
type Header interface {
	Type() HeaderType
	appendPayload(dst []byte) ([]byte, error)
}

type Ping struct{}

type Pong struct{}

// FlagsHint is an optional advisory record that may precede the target
// header of a tunnel.
type FlagsHint struct {
	Flags []TCPFlags
}

// TCPTarget asks the server to connect to Addr and relay the stream to it.
type TCPTarget struct {
	Addr netx.Address
}

// UDPTarget asks the server to carry UDPFrames for Addr on the stream.
type UDPTarget struct {
	Addr netx.Address
}

func (Ping) Type() HeaderType { return TypePing }
func (Pong) Type() HeaderType { return TypePong }
func (FlagsHint) Type() HeaderType { return TypeTCPFlags }
func (TCPTarget) Type() HeaderType { return TypeTCP }
func (UDPTarget) Type() HeaderType { return TypeUDP }

func (Ping) appendPayload(dst []byte) ([]byte, error) { return dst, nil }
func (Pong) appendPayload(dst []byte) ([]byte, error) { return dst, nil }

func (h FlagsHint) appendPayload(dst []byte) ([]byte, error) {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(h.Flags)))
	for _, f := range h.Flags {
		for _, set := range f.bits() {
			if set {
				dst = append(dst, 1)
			} else {
				dst = append(dst, 0)
			}
		}
	}
	return dst, nil
}

func (h TCPTarget) appendPayload(dst []byte) ([]byte, error) {
	return appendTarget(dst, h.Addr)
}

func (h UDPTarget) appendPayload(dst []byte) ([]byte, error) {
	return appendTarget(dst, h.Addr)
}

func appendTarget(dst []byte, a netx.Address) ([]byte, error) {
	if a.Host == "" {
		return nil, errors.New("target host is empty")
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(a.Host)))
	dst = append(dst, a.Host...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(a.Port))
	return dst, nil
}

const maxRecordSize = 0xffff

// MarshalHeader returns the length-prefixed wire form of h.
func MarshalHeader(h Header) ([]byte, error) {
	b := make([]byte, 3, 64)
	b[2] = byte(h.Type())
	b, err := h.appendPayload(b)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s header", h.Type())
	}
	n := len(b) - 2
	if n > maxRecordSize {
		return nil, errors.Errorf("%s header too large (%d bytes)", h.Type(), n)
	}
	binary.BigEndian.PutUint16(b, uint16(n))
	return b, nil
}

// WriteHeader encodes h and writes it with a single Write call so that
// concurrent header writers cannot interleave within a record.
func WriteHeader(w io.Writer, h Header) error {
	b, err := MarshalHeader(h)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadHeader reads one record. A stream that ends before the first byte of
// a record returns io.EOF; one that ends inside a record returns
// ErrUnexpectedEOF.
func ReadHeader(r io.Reader) (Header, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, readErr(err)
	}
	n := binary.BigEndian.Uint16(prefix[:])
	if n == 0 {
		return nil, framingf("empty record")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, readErr(err)
	}
	return UnmarshalHeader(body)
}

func readErr(err error) error {
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return ErrUnexpectedEOF
	}
	return err
}

// UnmarshalHeader decodes a record body (type tag and payload).
func UnmarshalHeader(body []byte) (Header, error) {
	if len(body) == 0 {
		return nil, framingf("empty record")
	}
	t, p := HeaderType(body[0]), body[1:]
	switch t {
	case TypePing, TypePong:
		if len(p) != 0 {
			return nil, framingf("%s record carries %d payload bytes", t, len(p))
		}
		if t == TypePing {
			return Ping{}, nil
		}
		return Pong{}, nil
	case TypeTCPFlags:
		return parseFlagsHint(p)
	case TypeTCP, TypeUDP:
		a, err := parseTarget(p)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s record", t)
		}
		if t == TypeTCP {
			return TCPTarget{Addr: a}, nil
		}
		return UDPTarget{Addr: a}, nil
	}
	return nil, framingf("unknown record type 0x%02x", byte(t))
}

func parseFlagsHint(p []byte) (Header, error) {
	if len(p) < 4 {
		return nil, framingf("tcpflags record truncated")
	}
	count := binary.BigEndian.Uint32(p)
	p = p[4:]
	if uint64(len(p)) != uint64(count)*flagsWireSize {
		return nil, framingf("tcpflags record holds %d bytes for %d entries", len(p), count)
	}
	flags := make([]TCPFlags, 0, count)
	for len(p) > 0 {
		var b [flagsWireSize]bool
		for i := range b {
			switch p[i] {
			case 0:
			case 1:
				b[i] = true
			default:
				return nil, framingf("tcpflags field value %d", p[i])
			}
		}
		flags = append(flags, flagsFromBits(b))
		p = p[flagsWireSize:]
	}
	return FlagsHint{Flags: flags}, nil
}

func parseTarget(p []byte) (netx.Address, error) {
	if len(p) < 4 {
		return netx.Address{}, framingf("target truncated")
	}
	hostLen := binary.BigEndian.Uint32(p)
	p = p[4:]
	if uint64(len(p)) != uint64(hostLen)+4 {
		return netx.Address{}, framingf("target host length %d does not match record", hostLen)
	}
	host := p[:hostLen]
	if len(host) == 0 || !utf8.Valid(host) {
		return netx.Address{}, framingf("invalid target host")
	}
	port := binary.BigEndian.Uint32(p[hostLen:])
	if port > 0xffff {
		return netx.Address{}, framingf("target port %d out of range", port)
	}
	return netx.Address{Host: string(host), Port: uint16(port)}, nil
}

// ReadIntent reads the header that declares what a tunnel is for, skipping
// at most one leading FlagsHint. The hint is returned when present.
func ReadIntent(r io.Reader) (Header, *FlagsHint, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	hint, ok := h.(FlagsHint)
	if !ok {
		return h, nil, nil
	}
	h, err = ReadHeader(r)
	if err != nil {
		if err == io.EOF {
			err = ErrUnexpectedEOF
		}
		return nil, &hint, err
	}
	if _, again := h.(FlagsHint); again {
		return nil, &hint, framingf("more than one tcpflags record")
	}
	return h, &hint, nil
}

// WriteIntent writes an optional hint followed by the target header as one
// write.
func WriteIntent(w io.Writer, hint *FlagsHint, h Header) error {
	var b []byte
	if hint != nil {
		hb, err := MarshalHeader(*hint)
		if err != nil {
			return err
		}
		b = hb
	}
	hb, err := MarshalHeader(h)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, hb...))
	return err
}
