package ice

import (
	"net"
	"time"
)

// testAddr builds a TransportAddress for a literal IP string, defaulting to
// the natural family (v4 vs v6) the way MakeTransportAddress does.
func testAddr(ip string, port int) TransportAddress {
	parsed := net.ParseIP(ip)
	if v4 := parsed.To4(); v4 != nil {
		return TransportAddress{Family: IPv4, IP: v4, Port: port}
	}
	return TransportAddress{Family: IPv6, IP: parsed.To16(), Port: port}
}

// fakeSocket is an in-memory Socket for tests that exercise the checklist
// or keepalive scheduler without binding a real kernel UDP socket.
type fakeSocket struct {
	local TransportAddress

	sentData [][]byte
	sentTo   []TransportAddress
}

func (s *fakeSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	select {} // tests never rely on reads from a fakeSocket
}

func (s *fakeSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	cp := append([]byte(nil), p...)
	s.sentData = append(s.sentData, cp)
	s.sentTo = append(s.sentTo, MakeTransportAddress(addr))
	return len(p), nil
}

func (s *fakeSocket) Close() error                            { return nil }
func (s *fakeSocket) LocalAddr() net.Addr                     { return s.local.UDPAddr() }
func (s *fakeSocket) SetDeadline(time.Time) error             { return nil }
func (s *fakeSocket) SetReadDeadline(time.Time) error         { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error        { return nil }
func (s *fakeSocket) LocalTransportAddress() TransportAddress { return s.local }

// fakeSocketFactory hands out fakeSockets on successive loopback ports,
// so AddStream/AddLocalAddress can run against an Agent without binding a
// real kernel socket.
type fakeSocketFactory struct {
	nextPort int
}

func (f *fakeSocketFactory) Bind(ip net.IP) (Socket, error) {
	f.nextPort++
	return &fakeSocket{local: testAddr(ip.String(), 10000+f.nextPort)}, nil
}
