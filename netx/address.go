package netx

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrAddressFormat = errors.New("invalid address")

// Address is a host:port pair. Host may be empty (wildcard), an IP literal
// or a DNS name.
type Address struct {
	Host string
	Port uint16
}

func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, errors.Wrapf(ErrAddressFormat, "%q: %v", s, err)
	}
	if portStr == "" {
		return Address{}, errors.Wrapf(ErrAddressFormat, "%q: missing port", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, errors.Wrapf(ErrAddressFormat, "%q: bad port", s)
	}
	if strings.ContainsAny(host, "[]") {
		return Address{}, errors.Wrapf(ErrAddressFormat, "%q: bad host", s)
	}
	return Address{Host: host, Port: uint16(port)}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IP returns the host as an address when it is a canonical IP literal.
func (a Address) IP() (netip.Addr, bool) {
	ip, err := netip.ParseAddr(a.Host)
	if err != nil || ip.Zone() != "" || ip.String() != a.Host {
		return netip.Addr{}, false
	}
	return ip, true
}

func (a Address) ResolveUDP() (*net.UDPAddr, error) {
	r, err := net.ResolveUDPAddr("udp", a.String())
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", a)
	}
	return r, nil
}

// AddressFromNet reads an endpoint off a socket address.
func AddressFromNet(addr net.Addr) Address {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return fromIPPort(v.IP, v.Zone, v.Port)
	case *net.UDPAddr:
		return fromIPPort(v.IP, v.Zone, v.Port)
	case nil:
		return Address{}
	}
	a, err := ParseAddress(addr.String())
	if err != nil {
		return Address{}
	}
	return a
}

func fromIPPort(ip net.IP, zone string, port int) Address {
	var host string
	if len(ip) > 0 && !ip.IsUnspecified() {
		if ip4 := ip.To4(); ip4 != nil {
			host = ip4.String()
		} else {
			host = ip.String()
			if zone != "" {
				host += "%" + zone
			}
		}
	}
	return Address{Host: host, Port: uint16(port)}
}
