package maintenance

import (
	"context"
	goerrs "errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kabieror/elwasys-common/pkg/domain"
	"github.com/kabieror/elwasys-common/pkg/errors"
	"github.com/kabieror/elwasys-common/pkg/handlers"
	"github.com/kabieror/elwasys-common/pkg/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRegistersLocation(t *testing.T) {
	metrics := newTestMetrics(t)
	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second, Metrics: metrics}, nil)

	before := time.Now()
	connectClient(t, port, "WashRoom1", nil, nil)

	cc, ok := server.GetConnection("WashRoom1")
	require.True(t, ok)
	assert.True(t, cc.IsAlive())
	assert.Equal(t, "WashRoom1", cc.Location)
	assert.Equal(t, []string{"WashRoom1"}, server.ListConnectedLocations())

	host, err := server.GetHostAddress("WashRoom1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)

	since, err := server.GetConnectedSince("WashRoom1")
	require.NoError(t, err)
	assert.False(t, since.Before(before))
	assert.False(t, since.After(time.Now()))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.connections))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.handshakes.WithLabelValues("ok")) == 1
	}, eventually, tick)
}

func TestHandshakeRejectsOtherFirstMessage(t *testing.T) {
	metrics := newTestMetrics(t)
	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second, Metrics: metrics}, nil)

	conn := dialRawWithoutHandshake(t, port)
	require.NoError(t, conn.Send(message.NewGetStatusRequest()))

	_, err := conn.Receive(2 * time.Second)
	assert.Error(t, err, "server must close the socket")
	assert.Empty(t, server.ListConnectedLocations())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.handshakes.WithLabelValues("failed")) == 1
	}, eventually, tick)
}

func TestHandshakeTimesOut(t *testing.T) {
	server, port := startServer(t, ServerParams{InactivityTimeout: 100 * time.Millisecond}, nil)

	conn := dialRawWithoutHandshake(t, port)

	start := time.Now()
	_, err := conn.Receive(2 * time.Second)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, server.ListConnectedLocations())
}

func TestTakeoverEvictsPreviousConnection(t *testing.T) {
	metrics := newTestMetrics(t)
	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second, Metrics: metrics}, nil)

	first := connectClient(t, port, "WashRoom1", nil, nil)
	oldHandle, ok := server.GetConnection("WashRoom1")
	require.True(t, ok)

	connectClient(t, port, "WashRoom1", nil, nil)

	assert.False(t, oldHandle.IsAlive())
	assert.ErrorIs(t, oldHandle.Err(), errors.ErrConnectionClosed)
	var takenOver *errors.ConnectionTakenOver
	assert.True(t, goerrs.As(oldHandle.Err(), &takenOver))

	current, ok := server.GetConnection("WashRoom1")
	require.True(t, ok)
	assert.NotSame(t, oldHandle, current)
	assert.True(t, current.IsAlive())
	assert.Equal(t, []string{"WashRoom1"}, server.ListConnectedLocations())

	select {
	case <-first.Done():
	case <-time.After(eventually):
		t.Fatal("evicted client did not notice the closed socket")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.evictions))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.connections))
}

func TestEndToEndGetStatus(t *testing.T) {
	startup := time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC)
	handler := &handlers.HandlerFuncs{
		GetStatus: func(ctx context.Context, req *message.Message) (message.GetStatusResponse, error) {
			return message.GetStatusResponse{
				InterfaceStatus:   domain.InterfaceStatus_Normal,
				BacklightStatus:   domain.BacklightStatus_On,
				StartupTime:       startup,
				RunningExecutions: []domain.Execution{},
			}, nil
		},
	}

	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second}, nil)
	connectClient(t, port, "WashRoom1", handler, nil)

	req := message.NewGetStatusRequest()
	res, err := server.SendQuery(context.Background(), "WashRoom1", req)
	require.NoError(t, err)

	assert.Equal(t, message.MessageType_GetStatusResponse, res.MessageType)
	assert.Equal(t, req.ConversationId, res.ConversationId)
	require.NotNil(t, res.GetStatusResponse)
	assert.Equal(t, domain.InterfaceStatus_Normal, res.GetStatusResponse.InterfaceStatus)
	assert.Equal(t, domain.BacklightStatus_On, res.GetStatusResponse.BacklightStatus)
	assert.True(t, startup.Equal(res.GetStatusResponse.StartupTime))
	assert.Empty(t, res.GetStatusResponse.RunningExecutions)
}

func TestConcurrentQueriesGetTheirOwnResponse(t *testing.T) {
	handler := &handlers.HandlerFuncs{
		GetLog: func(ctx context.Context, req *message.Message) ([]string, error) {
			// Shuffle the order in which answers hit the wire.
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			return []string{strconv.FormatInt(req.ConversationId, 10)}, nil
		},
	}

	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second}, nil)
	connectClient(t, port, "WashRoom1", handler, nil)

	const callers = 25
	wg := sync.WaitGroup{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := message.NewGetLogRequest()
			res, err := server.SendQuery(context.Background(), "WashRoom1", req)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, req.ConversationId, res.ConversationId)
			assert.Equal(t, []string{strconv.FormatInt(req.ConversationId, 10)}, res.GetLogResponse.LogContent)
		}()
	}
	wg.Wait()

	cc, ok := server.GetConnection("WashRoom1")
	require.True(t, ok)
	assert.Equal(t, 0, cc.tracker.Pending())
}

func TestSendQueryTimeout(t *testing.T) {
	release := make(chan struct{})
	handler := &handlers.HandlerFuncs{
		GetStatus: func(ctx context.Context, req *message.Message) (message.GetStatusResponse, error) {
			<-release
			return message.GetStatusResponse{}, nil
		},
		GetLog: func(ctx context.Context, req *message.Message) ([]string, error) {
			return []string{"still here"}, nil
		},
	}

	metrics := newTestMetrics(t)
	const timeout = 200 * time.Millisecond
	server, port := startServer(t, ServerParams{
		InactivityTimeout: 5 * time.Second,
		RequestTimeout:    timeout,
		Metrics:           metrics,
	}, nil)
	connectClient(t, port, "WashRoom1", handler, nil)

	start := time.Now()
	res, err := server.SendQuery(context.Background(), "WashRoom1", message.NewGetStatusRequest())
	elapsed := time.Since(start)

	assert.Nil(t, res)
	assert.ErrorIs(t, err, errors.ErrNoResponse)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requestTimeouts))

	// The connection is still usable.
	res, err = server.SendQuery(context.Background(), "WashRoom1", message.NewGetLogRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"still here"}, res.GetLogResponse.LogContent)

	// The late answer now has no waiter.
	close(release)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.protocolErrors.WithLabelValues("unmatched")) == 1
	}, eventually, tick)

	cc, ok := server.GetConnection("WashRoom1")
	require.True(t, ok)
	assert.True(t, cc.IsAlive())
}

func TestUnmatchedResponseIsReported(t *testing.T) {
	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second}, nil)
	conn := dialRaw(t, port, "Raw")

	stray := message.NewCheckConnectionResponse(nil)
	stray.ConversationId = 4242
	require.NoError(t, conn.Send(stray))

	reply, err := conn.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.MessageType_ErrorMessage, reply.MessageType)
	assert.Equal(t, int64(4242), reply.ConversationId)
	assert.Equal(t, unmatchedResponseText, reply.Error.Text)

	// The receive loop keeps going.
	ping := message.NewCheckConnectionRequest()
	ping.ConversationId = 7
	require.NoError(t, conn.Send(ping))

	reply, err = conn.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.MessageType_CheckConnectionResponse, reply.MessageType)
	assert.Equal(t, int64(7), reply.ConversationId)

	cc, ok := server.GetConnection("Raw")
	require.True(t, ok)
	assert.True(t, cc.IsAlive())
}

func TestUnrecognizedMessagesAreReported(t *testing.T) {
	_, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second}, nil)
	conn := dialRaw(t, port, "Raw")

	tests := []struct {
		name string
		msg  *message.Message
		text string
	}{
		{"unknown variant", &message.Message{ConversationId: 9, MessageType: message.MessageType(200)}, unknownMessageTypeText},
		{"no handler", &message.Message{ConversationId: 10, MessageType: message.MessageType_GetLogRequest}, unknownMessageTypeText},
		{"missing payload", &message.Message{ConversationId: 11, MessageType: message.MessageType_GetStatusResponse}, invalidMessageText},
		{"second handshake", message.NewConnectionRequest("Raw"), alreadyConnectedText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.Send(tt.msg))

			reply, err := conn.Receive(time.Second)
			require.NoError(t, err)
			assert.Equal(t, message.MessageType_ErrorMessage, reply.MessageType)
			assert.Equal(t, tt.msg.ConversationId, reply.ConversationId)
			assert.Equal(t, tt.text, reply.Error.Text)
		})
	}
}

func TestInactivityTeardown(t *testing.T) {
	metrics := newTestMetrics(t)
	server, port := startServer(t, ServerParams{InactivityTimeout: 150 * time.Millisecond, Metrics: metrics}, nil)
	conn := dialRaw(t, port, "Silent")

	cc, ok := server.GetConnection("Silent")
	require.True(t, ok)

	_, err := conn.Receive(2 * time.Second)
	assert.Error(t, err, "server must close the silent connection")

	assert.Eventually(t, func() bool {
		return len(server.ListConnectedLocations()) == 0
	}, eventually, tick)
	var inactivity *errors.InactivityTimeout
	assert.True(t, goerrs.As(cc.Err(), &inactivity))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.inactivityTimeouts))
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	server, port := startServer(t, ServerParams{InactivityTimeout: 200 * time.Millisecond}, nil)
	connectClient(t, port, "WashRoom1", nil, func(p *ClientParams) {
		p.HeartbeatInterval = 50 * time.Millisecond
	})

	cc, ok := server.GetConnection("WashRoom1")
	require.True(t, ok)

	time.Sleep(700 * time.Millisecond)

	assert.True(t, cc.IsAlive())
	current, ok := server.GetConnection("WashRoom1")
	require.True(t, ok)
	assert.Same(t, cc, current)
}

func TestFireAndForgetRestart(t *testing.T) {
	var restarts atomic.Int32
	restarted := make(chan struct{}, 1)
	handler := &handlers.HandlerFuncs{
		RestartApp: func(ctx context.Context, req *message.Message) {
			restarts.Add(1)
			restarted <- struct{}{}
		},
	}

	metrics := newTestMetrics(t)
	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second, Metrics: metrics}, nil)
	connectClient(t, port, "WashRoom1", handler, nil)

	require.NoError(t, server.SendCommand("WashRoom1", message.NewRestartAppRequest()))

	select {
	case <-restarted:
	case <-time.After(eventually):
		t.Fatal("restart handler was not invoked")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), restarts.Load())
	// Outbound ConnectionResponse and RestartAppRequest; nothing came back.
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.messages))
}

func TestSendQueryRejectsCommands(t *testing.T) {
	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second}, nil)
	connectClient(t, port, "WashRoom1", nil, nil)

	_, err := server.SendQuery(context.Background(), "WashRoom1", message.NewRestartAppRequest())
	assert.Error(t, err)
}

func TestUnknownLocation(t *testing.T) {
	server, _ := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second}, nil)

	_, err := server.SendQuery(context.Background(), "Nowhere", message.NewGetStatusRequest())
	var unknown *errors.UnknownLocation
	require.True(t, goerrs.As(err, &unknown))
	assert.Equal(t, "Nowhere", unknown.Location)

	assert.Error(t, server.SendCommand("Nowhere", message.NewRestartAppRequest()))
	_, err = server.GetHostAddress("Nowhere")
	assert.Error(t, err)
	_, err = server.GetConnectedSince("Nowhere")
	assert.Error(t, err)
}

func TestServerQueriesClientHeartbeat(t *testing.T) {
	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second}, nil)
	connectClient(t, port, "WashRoom1", nil, nil)

	cc, ok := server.GetConnection("WashRoom1")
	require.True(t, ok)

	req := message.NewCheckConnectionRequest()
	res, err := cc.SendQuery(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, message.MessageType_CheckConnectionResponse, res.MessageType)
	assert.True(t, res.Answers(req))
}

func TestServerShutdownClosesConnections(t *testing.T) {
	server, port := startServer(t, ServerParams{InactivityTimeout: 5 * time.Second}, nil)
	client := connectClient(t, port, "WashRoom1", nil, nil)

	server.Shutdown()
	server.Shutdown()

	select {
	case <-client.Done():
	case <-time.After(eventually):
		t.Fatal("client was not disconnected")
	}
	assert.ErrorIs(t, client.Err(), errors.ErrConnectionClosed)
	assert.False(t, server.IsAlive())
	assert.Eventually(t, func() bool {
		return len(server.ListConnectedLocations()) == 0
	}, eventually, tick)
}
