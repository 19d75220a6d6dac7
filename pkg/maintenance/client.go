package maintenance

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kabieror/elwasys-common/internal/conversation"
	"github.com/kabieror/elwasys-common/pkg/errors"
	"github.com/kabieror/elwasys-common/pkg/handlers"
	"github.com/kabieror/elwasys-common/pkg/message"
	"github.com/kabieror/elwasys-common/pkg/transport"
	"go.uber.org/zap"
)

type Transport string

const (
	Transport_TCP       Transport = "tcp"
	Transport_Websocket Transport = "websocket"
)

type ClientParams struct {
	ServerAddress string
	Port          int
	// Location names the terminal; the server keeps one connection per
	// location.
	Location string

	RequestTimeout time.Duration
	// HeartbeatInterval <= 0 disables liveness detection.
	HeartbeatInterval time.Duration
	// ReadTimeout bounds one blocking read on the socket. Zero derives it from
	// the heartbeat: HeartbeatInterval + RequestTimeout, or no limit if the
	// heartbeat is disabled.
	ReadTimeout time.Duration

	Transport         Transport
	WebsocketEndpoint string

	Logger  *zap.Logger
	Metrics *Metrics
}

// Client is the terminal side of a maintenance connection.
type Client struct {
	*Connection

	heartbeatInterval time.Duration
}

func dial(ctx context.Context, params ClientParams, timeout time.Duration) (transport.Conn, string, error) {
	address := net.JoinHostPort(params.ServerAddress, strconv.Itoa(params.Port))

	switch params.Transport {
	case "", Transport_TCP:
		conn, err := transport.DialTCP(ctx, address, timeout)
		return conn, address, err
	case Transport_Websocket:
		endpoint := params.WebsocketEndpoint
		if endpoint == "" {
			endpoint = "/maintenance"
		}
		url := fmt.Sprintf("ws://%s%s", address, endpoint)
		conn, err := transport.DialWebsocket(ctx, url, timeout)
		return conn, url, err
	}
	return nil, address, fmt.Errorf("unknown transport '%s'", params.Transport)
}

// Connect opens a connection to the maintenance server and performs the
// handshake for params.Location. It does not retry; a failed attempt returns a
// *errors.HandshakeFailure.
func Connect(ctx context.Context, params ClientParams, handler handlers.MessageHandler) (*Client, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	requestTimeout := params.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	if params.Location == "" {
		return nil, &errors.HandshakeFailure{RemoteAddress: params.ServerAddress, Reason: "no location name configured"}
	}

	conn, address, err := dial(ctx, params, requestTimeout)
	if err != nil {
		params.Metrics.handshake(false)
		return nil, &errors.HandshakeFailure{RemoteAddress: address, Reason: "could not connect", Err: err}
	}
	log := logger.With(zap.String("location", params.Location), zap.String("server", address))

	tracker := conversation.NewRandomTracker()
	if err := handshake(conn, tracker, params.Location, requestTimeout, address); err != nil {
		params.Metrics.handshake(false)
		conn.Close()
		return nil, err
	}
	params.Metrics.handshake(true)

	readTimeout := params.ReadTimeout
	if readTimeout <= 0 && params.HeartbeatInterval > 0 {
		readTimeout = params.HeartbeatInterval + requestTimeout
	}

	client := &Client{
		heartbeatInterval: params.HeartbeatInterval,
	}
	client.Connection = newConnection(connectionParams{
		Conn:           conn,
		Handler:        handler,
		Tracker:        tracker,
		RequestTimeout: requestTimeout,
		ReadTimeout:    readTimeout,
		Logger:         log,
		Metrics:        params.Metrics,
	})
	client.activate()
	log.Info("Maintenance connection established")

	go client.run()
	if client.heartbeatInterval > 0 {
		go client.heartbeatLoop()
	} else {
		log.Warn("Heartbeat disabled, connection losses will not be detected")
	}
	return client, nil
}

func handshake(conn transport.Conn, tracker *conversation.Tracker, location string, timeout time.Duration, address string) error {
	req := message.NewConnectionRequest(location)
	req.ConversationId = tracker.Next()
	if err := conn.Send(req); err != nil {
		return &errors.HandshakeFailure{RemoteAddress: address, Reason: "could not send connection request", Err: err}
	}

	res, err := conn.Receive(timeout)
	if err != nil {
		return &errors.HandshakeFailure{RemoteAddress: address, Reason: "no connection response received", Err: err}
	}
	if res.MessageType != message.MessageType_ConnectionResponse || res.ConversationId != req.ConversationId {
		return &errors.HandshakeFailure{
			RemoteAddress: address,
			Reason:        "unexpected reply",
			Err: &errors.UnexpectedMessage{
				Expected: message.MessageType_ConnectionResponse.String(),
				Actual:   res.String(),
			},
		}
	}
	return nil
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-ticker.C:
			err := c.heartbeat(c.ctx)
			if err == nil {
				continue
			}
			if !c.IsAlive() {
				return
			}
			c.metrics.heartbeatFailure()
			c.shutdown(&errors.HeartbeatFailure{RemoteAddress: c.HostAddress(), Err: err})
			return
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) error {
	req := message.NewCheckConnectionRequest()
	res, err := c.SendQuery(ctx, req)
	if err != nil {
		return err
	}
	if res.MessageType != message.MessageType_CheckConnectionResponse || !res.Answers(req) {
		return &errors.UnexpectedMessage{
			Expected: message.MessageType_CheckConnectionResponse.String(),
			Actual:   res.String(),
		}
	}
	return nil
}
