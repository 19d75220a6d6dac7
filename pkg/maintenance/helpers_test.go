package maintenance

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/kabieror/elwasys-common/pkg/handlers"
	"github.com/kabieror/elwasys-common/pkg/message"
	"github.com/kabieror/elwasys-common/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const eventually = 2 * time.Second
const tick = 10 * time.Millisecond

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return metrics
}

// startServer serves params on a loopback port and returns the server and
// its port. The server is stopped when the test ends.
func startServer(t *testing.T, params ServerParams, handler handlers.MessageHandler) (*Server, int) {
	t.Helper()
	if params.Logger == nil {
		params.Logger = zaptest.NewLogger(t)
	}

	server, err := CreateServer(params, handler)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-served)
	})

	return server, listener.Addr().(*net.TCPAddr).Port
}

func connectClient(t *testing.T, port int, location string, handler handlers.MessageHandler, modify func(p *ClientParams)) *Client {
	t.Helper()
	params := ClientParams{
		ServerAddress:  "127.0.0.1",
		Port:           port,
		Location:       location,
		RequestTimeout: time.Second,
		Logger:         zaptest.NewLogger(t),
	}
	if modify != nil {
		modify(&params)
	}

	client, err := Connect(context.Background(), params, handler)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Shutdown()
		<-client.Done()
	})
	return client
}

func dialRawWithoutHandshake(t *testing.T, port int) transport.Conn {
	t.Helper()
	conn, err := transport.DialTCP(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialRaw completes a handshake by hand, so tests can put arbitrary messages
// on the wire.
func dialRaw(t *testing.T, port int, location string) transport.Conn {
	t.Helper()
	conn := dialRawWithoutHandshake(t, port)

	req := message.NewConnectionRequest(location)
	req.ConversationId = 1
	require.NoError(t, conn.Send(req))

	res, err := conn.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, message.MessageType_ConnectionResponse, res.MessageType)
	require.Equal(t, int64(1), res.ConversationId)
	return conn
}

// startFakeServer accepts one connection and hands it to serve.
func startFakeServer(t *testing.T, serve func(conn transport.Conn)) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := listener.Accept()
		if err != nil {
			return
		}
		conn := transport.NewStreamConn(c)
		defer conn.Close()
		serve(conn)
	}()
	t.Cleanup(func() {
		listener.Close()
		<-done
	})

	return listener.Addr().(*net.TCPAddr).Port
}

// acceptHandshake answers the connection request on conn.
func acceptHandshake(conn transport.Conn) bool {
	req, err := conn.Receive(time.Second)
	if err != nil || req.MessageType != message.MessageType_ConnectionRequest {
		return false
	}
	return conn.Send(message.NewConnectionResponse(req)) == nil
}

func drain(conn transport.Conn) {
	for {
		if _, err := conn.Receive(0); err != nil {
			return
		}
	}
}
