package ice

import (
	"context"
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// sizeMTU bounds a single datagram read. Packets larger than the path MTU
// are fragmented or dropped by the network; 1500 is the conventional safe
// default (grounded on the teacher's internal/ice/base.go).
const sizeMTU = 1500

// Socket is the non-blocking datagram socket abstraction design note §9
// asks for: "model as an injected capability with two operations: bind,
// and Socket::{send, recv, fileno}". It wraps net.PacketConn rather than
// re-inventing readiness notification, since net.PacketConn's blocking
// ReadFrom is itself driven by the Go runtime's netpoller -- the
// equivalent of the spec's fd-readable reactor primitive without needing
// to expose a raw fd.
type Socket interface {
	net.PacketConn

	// LocalTransportAddress is the bound local address, pre-converted.
	LocalTransportAddress() TransportAddress
}

// SocketFactory is the injected capability that binds UDP sockets to
// local addresses (spec §6, "socket_factory"). The agent never dials or
// listens directly; every socket used for gathering or checks comes from
// here, so a test harness can substitute an in-memory factory.
type SocketFactory interface {
	Bind(addr net.IP) (Socket, error)
}

// udpSocket is the default Socket implementation: a real kernel UDP
// socket.
type udpSocket struct {
	*net.UDPConn
	local TransportAddress
}

func (s *udpSocket) LocalTransportAddress() TransportAddress { return s.local }

// UDPSocketFactory is the default SocketFactory, binding real kernel UDP
// sockets. It sets SO_REUSEADDR (SO_REUSEPORT is not set) via a
// net.ListenConfig.Control hook -- the same
// "reach past net.Listen's defaults into raw socket options" idiom the
// teacher uses for V4L2 device configuration (internal/v4l2/device.go),
// applied here to sockets instead of video devices, and the same idea
// github.com/libp2p/go-reuseport packages for other ICE-adjacent Go
// projects in this corpus.
type UDPSocketFactory struct{}

func (UDPSocketFactory) Bind(ip net.IP) (Socket, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp", net.JoinHostPort(ip.String(), "0"))
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp socket on %s", ip)
	}

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, errors.Errorf("unexpected PacketConn type %T", conn)
	}

	return &udpSocket{UDPConn: udpConn, local: MakeTransportAddress(udpConn.LocalAddr())}, nil
}

// socketReader owns the read loop for a single local socket: it
// demultiplexes each datagram (spec §4.4, component C7) into a STUN
// message fed to the checklist engine, or a media payload handed to the
// component's registered receive callback.
type socketReader struct {
	sock      Socket
	component *Component

	mu       sync.Mutex
	handlers map[string]stunResponseHandler // keyed by STUN transaction ID

	closeOnce sync.Once
	dead      chan struct{}
}

type stunResponseHandler func(msg *stunMessage, raddr TransportAddress)

func newSocketReader(sock Socket, comp *Component) *socketReader {
	return &socketReader{
		sock:      sock,
		component: comp,
		handlers:  make(map[string]stunResponseHandler),
		dead:      make(chan struct{}),
	}
}

func (r *socketReader) putHandler(transactionID string, h stunResponseHandler) {
	r.mu.Lock()
	r.handlers[transactionID] = h
	r.mu.Unlock()
}

func (r *socketReader) popHandler(transactionID string) (stunResponseHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[transactionID]
	if ok {
		delete(r.handlers, transactionID)
	}
	return h, ok
}

func (r *socketReader) removeHandler(transactionID string) {
	r.mu.Lock()
	delete(r.handlers, transactionID)
	r.mu.Unlock()
}

// run reads datagrams until the socket is closed, dispatching each one
// through classifyInbound. It is meant to run in its own goroutine, one
// per local socket -- sockets are never shared across components (spec
// §5), so no locking is needed against other readers.
func (r *socketReader) run(onSTUN func(msg *stunMessage, raddr TransportAddress, reader *socketReader), onMedia func(data []byte, raddr TransportAddress)) {
	defer close(r.dead)

	buf := make([]byte, sizeMTU)
	for {
		n, raddr, err := r.sock.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logSocket.Debug("socket %s: read loop exiting: %s", r.sock.LocalTransportAddress(), err)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		from := MakeTransportAddress(raddr)

		switch classifyInbound(data) {
		case inboundSTUN:
			msg, perr := parseStunMessage(data)
			if perr != nil || msg == nil {
				logStun.Debug("dropping malformed STUN-shaped datagram from %s: %v", from, perr)
				continue
			}
			onSTUN(msg, from, r)
		case inboundMedia:
			onMedia(data, from)
		default:
			// Neither RTP-shaped nor a well-formed STUN message; spec §4.4
			// hands anything unrecognised back to the caller rather than
			// dropping it.
			onMedia(data, from)
		}
	}
}

func (r *socketReader) close() {
	r.closeOnce.Do(func() { r.sock.Close() })
}

// sendStun writes msg to raddr, optionally registering a handler for the
// matching response transaction ID.
func (r *socketReader) sendStun(msg *stunMessage, raddr TransportAddress, h stunResponseHandler) error {
	if h != nil {
		r.putHandler(msg.transactionID, h)
	}
	_, err := r.sock.WriteTo(msg.Bytes(), raddr.UDPAddr())
	return err
}
