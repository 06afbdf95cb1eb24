package ice

import (
	"net"
	"testing"
)

func TestTransportAddressEqual(t *testing.T) {
	a := testAddr("192.168.1.1", 5000)
	b := testAddr("192.168.1.1", 5000)
	if !a.Equal(b) {
		t.Errorf("expected %s == %s", a, b)
	}

	diffPort := testAddr("192.168.1.1", 5001)
	if a.Equal(diffPort) {
		t.Errorf("expected %s != %s", a, diffPort)
	}

	diffIP := testAddr("192.168.1.2", 5000)
	if a.Equal(diffIP) {
		t.Errorf("expected %s != %s", a, diffIP)
	}
}

func TestMakeTransportAddressFamily(t *testing.T) {
	v4 := MakeTransportAddress(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1234})
	if v4.Family != IPv4 {
		t.Errorf("expected IPv4, got %s", v4.Family)
	}

	v6 := MakeTransportAddress(&net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 1234})
	if v6.Family != IPv6 {
		t.Errorf("expected IPv6, got %s", v6.Family)
	}
}

func TestTransportAddressString(t *testing.T) {
	a := testAddr("203.0.113.7", 60000)
	if got, want := a.String(), "203.0.113.7:60000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestResolveOrNilLiteral(t *testing.T) {
	ip := resolveOrNil("198.51.100.5")
	if ip == nil || ip.String() != "198.51.100.5" {
		t.Errorf("resolveOrNil(literal) = %v, want 198.51.100.5", ip)
	}
}

func TestResolveOrNilUnresolvable(t *testing.T) {
	ip := resolveOrNil("this-host-name-should-never-resolve.invalid")
	if ip != nil {
		t.Errorf("resolveOrNil(bad host) = %v, want nil", ip)
	}
}
