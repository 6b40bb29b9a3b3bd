package protocol

import (
	"encoding/binary"
	"io"
	"net/netip"

	"github.com/pkg/errors"

	"github.com/threatexpert/paqet/netx"
)

const (
	ATYPIPv4   = 0x01
	ATYPDomain = 0x03
	ATYPIPv6   = 0x04
)

// AppendSocksAddress appends ATYP, address and port in SOCKS5 form. Hosts that
// are canonical IP literals use the IPv4/IPv6 forms, anything else is sent as
// a domain.
func AppendSocksAddress(dst []byte, a netx.Address) ([]byte, error) {
	if ip, ok := a.IP(); ok {
		if ip.Is4() {
			b := ip.As4()
			dst = append(dst, ATYPIPv4)
			dst = append(dst, b[:]...)
		} else {
			b := ip.As16()
			dst = append(dst, ATYPIPv6)
			dst = append(dst, b[:]...)
		}
	} else {
		if len(a.Host) > 255 {
			return nil, errors.Errorf("host name too long (%d bytes)", len(a.Host))
		}
		dst = append(dst, ATYPDomain, byte(len(a.Host)))
		dst = append(dst, a.Host...)
	}
	return binary.BigEndian.AppendUint16(dst, a.Port), nil
}

// ParseSocksAddress decodes an address starting at the ATYP byte and returns
// it with the number of bytes consumed.
func ParseSocksAddress(b []byte) (netx.Address, int, error) {
	if len(b) < 1 {
		return netx.Address{}, 0, malformedf("missing address type")
	}
	var host string
	off := 1
	switch b[0] {
	case ATYPIPv4:
		if len(b) < off+4 {
			return netx.Address{}, 0, malformedf("truncated IPv4 address")
		}
		host = netip.AddrFrom4([4]byte(b[off : off+4])).String()
		off += 4
	case ATYPIPv6:
		if len(b) < off+16 {
			return netx.Address{}, 0, malformedf("truncated IPv6 address")
		}
		host = netip.AddrFrom16([16]byte(b[off : off+16])).String()
		off += 16
	case ATYPDomain:
		if len(b) < off+1 {
			return netx.Address{}, 0, malformedf("truncated domain length")
		}
		n := int(b[off])
		off++
		if len(b) < off+n {
			return netx.Address{}, 0, malformedf("truncated domain")
		}
		host = string(b[off : off+n])
		off += n
	default:
		return netx.Address{}, 0, malformedf("unsupported address type 0x%02x", b[0])
	}
	if len(b) < off+2 {
		return netx.Address{}, 0, malformedf("truncated port")
	}
	port := binary.BigEndian.Uint16(b[off:])
	return netx.Address{Host: host, Port: port}, off + 2, nil
}

// ReadSocksAddress reads an ATYP-prefixed address from a stream, as found in
// SOCKS5 requests.
func ReadSocksAddress(r io.Reader) (netx.Address, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return netx.Address{}, err
	}
	var addrLen int
	var lenByte []byte
	switch atyp[0] {
	case ATYPIPv4:
		addrLen = 4
	case ATYPIPv6:
		addrLen = 16
	case ATYPDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return netx.Address{}, err
		}
		addrLen = int(l[0])
		lenByte = l[:]
	default:
		return netx.Address{}, errors.Wrapf(ErrUnsupportedAddressType, "0x%02x", atyp[0])
	}
	rest := make([]byte, addrLen+2)
	if _, err := io.ReadFull(r, rest); err != nil {
		return netx.Address{}, err
	}
	raw := make([]byte, 0, 2+addrLen+2)
	raw = append(raw, atyp[0])
	raw = append(raw, lenByte...)
	raw = append(raw, rest...)
	a, _, err := ParseSocksAddress(raw)
	return a, err
}
