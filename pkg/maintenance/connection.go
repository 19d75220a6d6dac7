// Package maintenance implements both ends of the maintenance protocol: the
// agent running on every terminal (Client) and the server that keeps one
// connection per location (Server).
package maintenance

import (
	"context"
	goerrs "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabieror/elwasys-common/internal/conversation"
	"github.com/kabieror/elwasys-common/pkg/errors"
	"github.com/kabieror/elwasys-common/pkg/handlers"
	"github.com/kabieror/elwasys-common/pkg/message"
	"github.com/kabieror/elwasys-common/pkg/transport"
	"go.uber.org/zap"
)

const (
	invalidMessageText     = "Invalid Message."
	unknownMessageTypeText = "Unknown message type."
	unmatchedResponseText  = "Did not wait for this message."
	alreadyConnectedText   = "Connection is already established."
)

const defaultRequestTimeout = 10 * time.Second

type ConnectionState int32

const (
	ConnectionState_Handshaking ConnectionState = iota
	ConnectionState_Active
	ConnectionState_Closing
	ConnectionState_Closed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_Handshaking:
		return "Handshaking"
	case ConnectionState_Active:
		return "Active"
	case ConnectionState_Closing:
		return "Closing"
	case ConnectionState_Closed:
		return "Closed"
	}
	return fmt.Sprintf("ConnectionState(%d)", int32(s))
}

type connectionParams struct {
	Conn           transport.Conn
	Handler        handlers.MessageHandler
	Tracker        *conversation.Tracker
	RequestTimeout time.Duration
	ReadTimeout    time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics

	// OnInbound runs on the receive loop for every inbound item.
	OnInbound func()
	// OnClose runs exactly once, after the socket has been closed.
	OnClose func(cause error)
}

// Connection is the part of the protocol shared by both ends: the receive
// loop, serialized sends and request/response correlation.
type Connection struct {
	conn           transport.Conn
	handler        handlers.MessageHandler
	tracker        *conversation.Tracker
	requestTimeout time.Duration
	readTimeout    time.Duration

	log     *zap.Logger
	metrics *Metrics

	onInbound func()
	onClose   func(cause error)

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32
	// Held for writing while the handshake reply is sent, so nothing else
	// reaches the peer ahead of it.
	mut_established sync.RWMutex

	shutdownOnce sync.Once
	mut_closeErr sync.Mutex
	closeErr     error
	done         chan struct{}
}

func newConnection(params connectionParams) *Connection {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	tracker := params.Tracker
	if tracker == nil {
		tracker = conversation.NewRandomTracker()
	}
	requestTimeout := params.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:           params.Conn,
		handler:        params.Handler,
		tracker:        tracker,
		requestTimeout: requestTimeout,
		readTimeout:    params.ReadTimeout,

		log:     logger,
		metrics: params.Metrics,

		onInbound: params.OnInbound,
		onClose:   params.OnClose,

		ctx:    ctx,
		cancel: cancel,

		done: make(chan struct{}),
	}
	c.state.Store(int32(ConnectionState_Handshaking))
	return c
}

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsAlive reports whether the connection completed its handshake and has not
// been shut down.
func (c *Connection) IsAlive() bool {
	return c.State() == ConnectionState_Active
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection shut down, or nil while it is open.
func (c *Connection) Err() error {
	c.mut_closeErr.Lock()
	defer c.mut_closeErr.Unlock()
	return c.closeErr
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// HostAddress returns the IP address of the peer.
func (c *Connection) HostAddress() string {
	return transport.HostAddress(c.conn)
}

func (c *Connection) activate() bool {
	if !c.state.CompareAndSwap(int32(ConnectionState_Handshaking), int32(ConnectionState_Active)) {
		return false
	}
	c.metrics.connectionOpened()
	return true
}

func (c *Connection) closedError() error {
	if err := c.Err(); err != nil {
		return err
	}
	return errors.ErrConnectionClosed
}

// establish activates a handshaking connection and writes the handshake
// reply. Other senders may see the connection as alive from here on, but
// their messages are written after reply.
func (c *Connection) establish(reply *message.Message) error {
	c.mut_established.Lock()
	defer c.mut_established.Unlock()

	if !c.activate() {
		return c.closedError()
	}
	return c.write(reply)
}

func (c *Connection) send(msg *message.Message) error {
	c.mut_established.RLock()
	defer c.mut_established.RUnlock()
	return c.write(msg)
}

func (c *Connection) write(msg *message.Message) error {
	if c.State() >= ConnectionState_Closing {
		return c.closedError()
	}

	if err := c.conn.Send(msg); err != nil {
		c.shutdown(&errors.BrokenConnection{RemoteAddress: c.HostAddress(), Err: err})
		return c.closedError()
	}
	c.metrics.messageSent(msg.MessageType)
	c.log.Debug("Sent message", zap.Stringer("message", msg))
	return nil
}

// reply sends msg from the receive loop. Failures already ended the
// connection, so there is nobody left to report them to.
func (c *Connection) reply(msg *message.Message) {
	if err := c.send(msg); err != nil {
		c.log.Debug("Could not send reply", zap.Stringer("message", msg), zap.Error(err))
	}
}

// SendQuery sends req and waits for its response for at most the request
// timeout. The response may be an ErrorMessage. errors.ErrNoResponse means the
// peer did not answer in time; the connection stays usable.
func (c *Connection) SendQuery(ctx context.Context, req *message.Message) (*message.Message, error) {
	return c.SendQueryTimeout(ctx, req, c.requestTimeout)
}

func (c *Connection) SendQueryTimeout(ctx context.Context, req *message.Message, timeout time.Duration) (*message.Message, error) {
	if !req.MessageType.ExpectsResponse() {
		return nil, fmt.Errorf("%s expects no response, use SendCommand", req.MessageType)
	}

	id, err := c.tracker.Issue(req)
	if err != nil {
		return nil, err
	}
	if err := c.send(req); err != nil {
		c.tracker.Retire(id)
		return nil, err
	}

	res, err := c.tracker.Await(ctx, id, timeout)
	if goerrs.Is(err, errors.ErrNoResponse) {
		c.metrics.requestTimeout()
		c.log.Warn("No response received", zap.Stringer("request", req), zap.Duration("timeout", timeout))
	}
	return res, err
}

// SendCommand sends req with a fresh conversation id and returns without
// waiting for a reply.
func (c *Connection) SendCommand(req *message.Message) error {
	req.ConversationId = c.tracker.Next()
	return c.send(req)
}

// Shutdown closes the connection. Safe to call any number of times from any
// goroutine.
func (c *Connection) Shutdown() {
	c.shutdown(errors.ErrConnectionClosed)
}

func (c *Connection) shutdown(cause error) {
	c.shutdownOnce.Do(func() {
		c.mut_closeErr.Lock()
		c.closeErr = cause
		c.mut_closeErr.Unlock()

		previous := ConnectionState(c.state.Swap(int32(ConnectionState_Closing)))
		c.cancel()
		abandoned := c.tracker.Pending()
		c.tracker.Close(cause)
		if err := c.conn.Close(); err != nil {
			c.log.Debug("Error closing socket", zap.Error(err))
		}
		if previous == ConnectionState_Active {
			c.metrics.connectionClosed()
		}
		if c.onClose != nil {
			c.onClose(cause)
		}
		c.state.Store(int32(ConnectionState_Closed))
		c.logClose(cause, abandoned)
		close(c.done)
	})
}

// logClose reports why the connection ended. abandoned counts the queries
// that were still waiting for a response.
func (c *Connection) logClose(cause error, abandoned int) {
	log := c.log
	if abandoned > 0 {
		log = log.With(zap.Int("abandonedQueries", abandoned))
	}

	var inactivity *errors.InactivityTimeout
	var heartbeat *errors.HeartbeatFailure
	var takenOver *errors.ConnectionTakenOver

	switch {
	case cause == errors.ErrConnectionClosed:
		log.Info("Connection closed")
	case goerrs.As(cause, &takenOver):
		log.Info("Connection replaced by a newer one", zap.String("by", takenOver.RemoteAddress))
	case goerrs.As(cause, &inactivity):
		log.Warn("Connection timed out due to a missing heartbeat message", zap.Duration("timeout", inactivity.Timeout))
	case goerrs.As(cause, &heartbeat):
		log.Error("Heartbeat failed, closing connection", zap.Error(cause))
	default:
		log.Error("Connection is broken", zap.Error(cause))
	}
}

// run is the receive loop. It returns after the connection has shut down.
func (c *Connection) run() {
	for {
		msg, err := c.conn.Receive(c.readTimeout)
		if err != nil {
			if errors.IsRecoverable(err) {
				c.touch()
				c.metrics.protocolError("malformed")
				c.log.Warn("Received undecodable message", zap.Error(err))
				c.reply(message.NewErrorMessage(invalidMessageText))
				continue
			}
			c.shutdown(&errors.BrokenConnection{RemoteAddress: c.HostAddress(), Err: err})
			return
		}

		c.touch()
		c.metrics.messageReceived(msg.MessageType)
		c.log.Debug("Received message", zap.Stringer("message", msg))
		c.dispatch(msg)
	}
}

func (c *Connection) touch() {
	if c.onInbound != nil {
		c.onInbound()
	}
}

func (c *Connection) dispatch(msg *message.Message) {
	if err := msg.Validate(); err != nil {
		var invalidEnum *errors.InvalidEnumValue
		if goerrs.As(err, &invalidEnum) {
			c.metrics.protocolError("unknown")
			c.log.Warn("Received message of unknown type", zap.Error(err))
			c.reply(message.NewErrorReply(msg, unknownMessageTypeText))
			return
		}
		c.metrics.protocolError("malformed")
		c.log.Warn("Received invalid message", zap.Error(err))
		if msg.Role() != message.Role_Error {
			c.reply(message.NewErrorReply(msg, invalidMessageText))
		}
		return
	}

	switch msg.Role() {
	case message.Role_Response:
		if !c.tracker.Deliver(msg) {
			c.metrics.protocolError("unmatched")
			c.log.Warn("Received response nobody waits for", zap.Stringer("message", msg))
			c.reply(message.NewErrorReply(msg, unmatchedResponseText))
		}
	case message.Role_Error:
		if !c.tracker.Deliver(msg) {
			// Answering would let two peers bounce errors forever.
			c.log.Warn("Received error message", zap.Stringer("message", msg), zap.String("text", msg.Error.Text))
		}
	case message.Role_Request:
		c.handleRequest(msg)
	default:
		c.metrics.protocolError("unknown")
		c.reply(message.NewErrorReply(msg, unknownMessageTypeText))
	}
}

func (c *Connection) handleRequest(msg *message.Message) {
	switch msg.MessageType {
	case message.MessageType_CheckConnectionRequest:
		c.reply(message.NewCheckConnectionResponse(msg))
	case message.MessageType_ConnectionRequest:
		c.metrics.protocolError("unexpected")
		c.log.Warn("Received connection request on an established connection")
		c.reply(message.NewErrorReply(msg, alreadyConnectedText))
	default:
		if c.handler == nil || !handlers.Handles(msg.MessageType) {
			c.metrics.protocolError("unknown")
			c.log.Warn("No handler for request", zap.Stringer("message", msg))
			c.reply(message.NewErrorReply(msg, unknownMessageTypeText))
			return
		}

		// Handlers may take a while; the loop keeps serving responses meanwhile.
		go func() {
			if reply, _ := handlers.Dispatch(c.ctx, c.handler, msg); reply != nil {
				c.reply(reply)
			}
		}()
	}
}
