package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kabieror/elwasys-common/pkg/maintenance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunClientReconnects(t *testing.T) {
	logger := zaptest.NewLogger(t)

	server, err := maintenance.CreateServer(maintenance.ServerParams{Logger: logger}, nil)
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveCtx, stopServing := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(serveCtx, listener)
	}()
	defer func() {
		stopServing()
		require.NoError(t, <-served)
	}()

	params := maintenance.ClientParams{
		ServerAddress:  "127.0.0.1",
		Port:           listener.Addr().(*net.TCPAddr).Port,
		Location:       "WashRoom1",
		RequestTimeout: time.Second,
		Logger:         logger,
	}
	handler := newTerminalHandler("", 0, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		runClient(ctx, params, handler, 50*time.Millisecond, logger)
	}()

	var first *maintenance.ClientConnection
	require.Eventually(t, func() bool {
		first, _ = server.GetConnection("WashRoom1")
		return first != nil
	}, 2*time.Second, 10*time.Millisecond)

	first.Shutdown()

	require.Eventually(t, func() bool {
		cc, ok := server.GetConnection("WashRoom1")
		return ok && cc.ConnectionId != first.ConnectionId
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("runClient did not return after cancellation")
	}
	assert.False(t, handler.RestartRequested())
}
