package transport

import (
	"net"
	"time"

	"github.com/kabieror/elwasys-common/pkg/message"
)

// writeTimeout bounds a single Send so a stalled peer cannot hold the write
// lock forever.
const writeTimeout = 10 * time.Second

// Conn is a duplex stream of maintenance messages over one socket.
//
// Send may be called from any number of goroutines; writes are serialized.
// Receive must only be called from a single goroutine. Close is idempotent and
// unblocks a pending Receive with an error.
type Conn interface {
	Send(msg *message.Message) error
	// Receive blocks until one message is decoded or the timeout elapses.
	// A zero timeout waits indefinitely. Errors wrapping
	// *errors.MalformedMessage leave the stream usable; every other error
	// is fatal to the connection.
	Receive(timeout time.Duration) (*message.Message, error)
	Close() error
	RemoteAddr() net.Addr
}

// HostAddress returns the IP (or host) part of the peer address of c.
func HostAddress(c Conn) string {
	addr := c.RemoteAddr()
	if addr == nil {
		return ""
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func readDeadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
