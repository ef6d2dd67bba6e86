package tcu

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Socket buffer sizing. Windows of full-MTU fragments arrive in bursts on
// loopback, so both directions get roomy kernel buffers.
const socketBufferSize = 3 * 1024 * 1024

// recvBufSize bounds a single datagram read.
const recvBufSize = 2048

// ErrClosed reports an operation on an endpoint after Close.
var ErrClosed = errors.New("endpoint closed")

// Endpoint is the UDP datagram capability the engine owns: bind locally,
// send to a fixed peer, receive with a deadline, close. Exactly one
// component (the engine's receive-stop path) calls Close.
type Endpoint struct {
	conn   *net.UDPConn
	closed atomic.Bool
}

// Bind opens a UDP socket on the local port and applies the buffer sizing.
func (ep *Endpoint) Bind(port uint16) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: int(port)})
	if err != nil {
		return errors.Wrapf(err, "bind udp :%d", port)
	}
	// Best effort; some platforms clamp these.
	_ = conn.SetReadBuffer(socketBufferSize)
	_ = conn.SetWriteBuffer(socketBufferSize)
	ep.conn = conn
	return nil
}

// LocalPort returns the bound port (useful when binding port 0).
func (ep *Endpoint) LocalPort() uint16 {
	if ep.conn == nil {
		return 0
	}
	return uint16(ep.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Send transmits one datagram to peer.
func (ep *Endpoint) Send(data []byte, peer *net.UDPAddr) error {
	if ep.closed.Load() || ep.conn == nil {
		return ErrClosed
	}
	if peer == nil {
		return errors.New("no destination set")
	}
	if _, err := ep.conn.WriteToUDP(data, peer); err != nil {
		if ep.closed.Load() {
			return ErrClosed
		}
		return errors.Wrap(err, "send datagram")
	}
	return nil
}

// Recv waits up to timeout for one datagram. It returns (nil, nil, nil) on
// timeout so receive loops can observe a shutdown signal between slices,
// and ErrClosed once the endpoint is closed.
func (ep *Endpoint) Recv(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	if ep.closed.Load() || ep.conn == nil {
		return nil, nil, ErrClosed
	}
	if err := ep.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if ep.closed.Load() {
			return nil, nil, ErrClosed
		}
		return nil, nil, errors.Wrap(err, "set read deadline")
	}
	buf := make([]byte, recvBufSize)
	n, src, err := ep.conn.ReadFromUDP(buf)
	if err != nil {
		if ep.closed.Load() {
			return nil, nil, ErrClosed
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrap(err, "recv datagram")
	}
	return buf[:n], src, nil
}

// Close releases the socket. Safe to call more than once; concurrent Recv
// calls unblock with ErrClosed.
func (ep *Endpoint) Close() {
	if ep.closed.Swap(true) {
		return
	}
	if ep.conn != nil {
		_ = ep.conn.Close()
	}
}
