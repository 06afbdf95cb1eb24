package ice

import (
	"bytes"
	"fmt"
	"net"
)

// IPFamily distinguishes IPv4 from IPv6 transport addresses.
type IPFamily uint8

const (
	IPv4 IPFamily = 4
	IPv6 IPFamily = 6
)

func (f IPFamily) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// TransportAddress is (IP family, IP bytes, UDP port). Equality is bitwise,
// per spec §3 -- two addresses are equal iff their family, raw IP bytes, and
// port all match exactly.
type TransportAddress struct {
	Family IPFamily
	IP     net.IP // always stored in its natural 4- or 16-byte form
	Port   int
}

// MakeTransportAddress converts a net.Addr (always *net.UDPAddr in this
// agent, since transport is UDP-only per spec §3) into a TransportAddress.
func MakeTransportAddress(addr net.Addr) TransportAddress {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		logAddr.Panicf("ice: unsupported net.Addr type %T", addr)
	}
	return transportAddressFromIP(udp.IP, udp.Port)
}

func transportAddressFromIP(ip net.IP, port int) TransportAddress {
	if v4 := ip.To4(); v4 != nil {
		return TransportAddress{Family: IPv4, IP: v4, Port: port}
	}
	return TransportAddress{Family: IPv6, IP: ip.To16(), Port: port}
}

// Equal implements the bitwise equality required by spec §3.
func (a TransportAddress) Equal(b TransportAddress) bool {
	return a.Family == b.Family && a.Port == b.Port && bytes.Equal(a.IP, b.IP)
}

func (a TransportAddress) IsLinkLocal() bool {
	return a.IP.IsLinkLocalUnicast() || a.IP.IsLinkLocalMulticast()
}

// UDPAddr returns the net.UDPAddr equivalent, for use with net.PacketConn.
func (a TransportAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

func (a TransportAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

func (a TransportAddress) isZero() bool {
	return a.IP == nil
}

// resolveOrNil resolves a STUN/TURN server hostname or literal IP to a
// single address, returning nil if resolution fails. Discovery treats a
// failed resolve as "no server reachable" rather than a fatal error.
func resolveOrNil(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil
	}
	return ips[0]
}

// addressFamilyOf reports the IP family a server hostname will resolve
// to, best-effort, defaulting to IPv4.
func addressFamilyOf(host string) IPFamily {
	ip := resolveOrNil(host)
	if ip != nil && ip.To4() == nil {
		return IPv6
	}
	return IPv4
}
