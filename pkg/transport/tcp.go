package transport

import (
	"context"
	goerrs "errors"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kabieror/elwasys-common/pkg/errors"
	"github.com/kabieror/elwasys-common/pkg/message"
)

type tcpConn struct {
	conn net.Conn

	mut_write sync.Mutex
	encoder   *cbor.Encoder

	decoder *cbor.Decoder

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps an established stream socket.
func NewStreamConn(conn net.Conn) Conn {
	return &tcpConn{
		conn:    conn,
		encoder: newEncoder(conn),
		decoder: newDecoder(conn),
	}
}

// DialTCP opens a stream connection to address ("host:port").
func DialTCP(ctx context.Context, address string, timeout time.Duration) (Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn), nil
}

func (c *tcpConn) Send(msg *message.Message) error {
	c.mut_write.Lock()
	defer c.mut_write.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.encoder.Encode(msg)
}

func (c *tcpConn) Receive(timeout time.Duration) (*message.Message, error) {
	if err := c.conn.SetReadDeadline(readDeadline(timeout)); err != nil {
		return nil, err
	}

	var msg message.Message
	if err := c.decoder.Decode(&msg); err != nil {
		// The decoder has consumed the whole item when only the mapping
		// onto the envelope failed, so the next item is still aligned.
		var typeErr *cbor.UnmarshalTypeError
		if goerrs.As(err, &typeErr) {
			return nil, &errors.MalformedMessage{Err: err}
		}
		return nil, err
	}
	return &msg, nil
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
