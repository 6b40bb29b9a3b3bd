package netx

import (
	"errors"
	"net"
	"testing"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port uint16
	}{
		{"127.0.0.1:1080", "127.0.0.1", 1080},
		{"example.com:80", "example.com", 80},
		{"[::1]:7000", "::1", 7000},
		{"[2001:db8::5]:53", "2001:db8::5", 53},
		{":9000", "", 9000},
		{"localhost:0", "localhost", 0},
		{"host:65535", "host", 65535},
	}
	for _, c := range cases {
		a, err := ParseAddress(c.in)
		if err != nil {
			t.Errorf("ParseAddress(%q): %v", c.in, err)
			continue
		}
		if a.Host != c.host || a.Port != c.port {
			t.Errorf("ParseAddress(%q) = %+v", c.in, a)
		}
	}
}

func TestParseAddressErrors(t *testing.T) {
	for _, in := range []string{"", "example.com", "example.com:", "host:http", "host:65536", "host:-1", "[::1:80", "::1:80", "a]:1"} {
		_, err := ParseAddress(in)
		if err == nil {
			t.Errorf("ParseAddress(%q) should fail", in)
			continue
		}
		if !errors.Is(err, ErrAddressFormat) {
			t.Errorf("ParseAddress(%q) error %v is not ErrAddressFormat", in, err)
		}
	}
}

func TestAddressRoundTrip(t *testing.T) {
	for _, in := range []string{"127.0.0.1:1", "[::1]:7000", "[fe80::1%eth0]:22", "example.com:443", ":53"} {
		a, err := ParseAddress(in)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", in, err)
		}
		b, err := ParseAddress(a.String())
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", a.String(), err)
		}
		if a != b {
			t.Errorf("round trip %q: %+v != %+v", in, a, b)
		}
	}
	if s := (Address{Host: "::1", Port: 80}).String(); s != "[::1]:80" {
		t.Errorf("String() = %q", s)
	}
}

func TestAddressIP(t *testing.T) {
	if _, ok := (Address{Host: "10.0.0.5"}).IP(); !ok {
		t.Error("10.0.0.5 should be an IP literal")
	}
	if _, ok := (Address{Host: "example.com"}).IP(); ok {
		t.Error("example.com is not an IP literal")
	}
	if _, ok := (Address{Host: "::ffff:1.2.3.4"}).IP(); !ok {
		t.Error("::ffff:1.2.3.4 is canonical")
	}
	if _, ok := (Address{Host: "0:0::1"}).IP(); ok {
		t.Error("non-canonical IPv6 must not be treated as literal")
	}
}

func TestAddressFromNet(t *testing.T) {
	a := AddressFromNet(&net.UDPAddr{IP: net.ParseIP("192.168.1.2"), Port: 5353})
	if a != (Address{Host: "192.168.1.2", Port: 5353}) {
		t.Errorf("got %+v", a)
	}
	a = AddressFromNet(&net.TCPAddr{IP: net.IPv6loopback, Port: 22})
	if a.String() != "[::1]:22" {
		t.Errorf("got %s", a)
	}
	a = AddressFromNet(&net.TCPAddr{IP: net.IPv4zero, Port: 1})
	if a.Host != "" {
		t.Errorf("wildcard host = %q", a.Host)
	}
}
