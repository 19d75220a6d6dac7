package maintenance

import (
	"context"
	goerrs "errors"
	"net"
	"sync"
	"time"

	"github.com/kabieror/elwasys-common/internal"
	"github.com/kabieror/elwasys-common/pkg/errors"
	"github.com/kabieror/elwasys-common/pkg/handlers"
	"github.com/kabieror/elwasys-common/pkg/message"
	"github.com/kabieror/elwasys-common/pkg/transport"
	utils "github.com/kabieror/elwasys-common/pkg/util"
	"go.uber.org/zap"
)

type ServerParams struct {
	ListenAddress string

	// InactivityTimeout closes connections that stay silent for longer. It
	// also bounds the wait for the handshake. <= 0 disables the watchdog.
	InactivityTimeout time.Duration
	// RequestTimeout bounds SendQuery. Defaults to InactivityTimeout.
	RequestTimeout time.Duration

	// Websocket enables the WebSocket endpoint when set.
	Websocket *transport.WebsocketListenerParams

	Logger  *zap.Logger
	Metrics *Metrics
}

// ClientConnection is the server side of the connection to one location.
type ClientConnection struct {
	*Connection

	Location     string
	ConnectionId string
	ConnectedAt  time.Time

	inactivityTimeout time.Duration
	mut_watchdog      sync.Mutex
	watchdog          *time.Timer
}

func (cc *ClientConnection) armWatchdog() {
	if cc.inactivityTimeout <= 0 {
		return
	}
	cc.mut_watchdog.Lock()
	defer cc.mut_watchdog.Unlock()
	cc.watchdog = time.AfterFunc(cc.inactivityTimeout, cc.onInactivity)
}

func (cc *ClientConnection) resetWatchdog() {
	cc.mut_watchdog.Lock()
	defer cc.mut_watchdog.Unlock()
	if cc.watchdog != nil {
		cc.watchdog.Reset(cc.inactivityTimeout)
	}
}

func (cc *ClientConnection) stopWatchdog() {
	cc.mut_watchdog.Lock()
	defer cc.mut_watchdog.Unlock()
	if cc.watchdog != nil {
		cc.watchdog.Stop()
	}
}

func (cc *ClientConnection) onInactivity() {
	if cc.State() >= ConnectionState_Closing {
		return
	}
	cc.metrics.inactivityTimeout()
	cc.shutdown(&errors.InactivityTimeout{RemoteAddress: cc.HostAddress(), Timeout: cc.inactivityTimeout})
}

// Server accepts terminal connections and keeps at most one live connection
// per location.
type Server struct {
	listenAddress     string
	inactivityTimeout time.Duration
	requestTimeout    time.Duration
	websocketParams   *transport.WebsocketListenerParams

	handler handlers.MessageHandler
	log     *zap.Logger
	metrics *Metrics

	registry *internal.LocationStore[*ClientConnection]
	connIds  *utils.RandomStringGenerator

	mut_addr sync.Mutex
	addr     net.Addr

	mut_handshaking sync.Mutex
	handshaking     map[transport.Conn]struct{}

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	done         chan struct{}
}

func CreateServer(params ServerParams, handler handlers.MessageHandler) (*Server, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	requestTimeout := params.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = params.InactivityTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	if params.InactivityTimeout <= 0 {
		logger.Warn("Inactivity watchdog disabled, dead connections will not be detected")
	}

	return &Server{
		listenAddress:     params.ListenAddress,
		inactivityTimeout: params.InactivityTimeout,
		requestTimeout:    requestTimeout,
		websocketParams:   params.Websocket,

		handler: handler,
		log:     logger.With(zap.String("component", "MaintenanceServer")),
		metrics: params.Metrics,

		registry: internal.CreateLocationStore[*ClientConnection](),
		connIds:  utils.CreateRandomstringGenerator(time.Now().UnixNano()),

		handshaking: make(map[transport.Conn]struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start listens on the configured addresses and serves until ctx is cancelled
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return err
	}
	if s.websocketParams == nil {
		return s.Serve(ctx, listener)
	}

	wsListener, err := net.Listen("tcp", s.websocketParams.ListenAddress)
	if err != nil {
		listener.Close()
		return err
	}

	errs := make(chan error, 2)
	go func() { errs <- s.Serve(ctx, listener) }()
	go func() { errs <- s.ServeWebsocket(ctx, wsListener) }()

	first := <-errs
	s.Shutdown()
	return goerrs.Join(first, <-errs)
}

// Serve runs the accept loop on listener. Every accepted socket is handled on
// its own goroutine. Serve closes all connections before it returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mut_addr.Lock()
	s.addr = listener.Addr()
	s.mut_addr.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		s.Shutdown()
		s.wg.Wait()
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-stop:
		}
		listener.Close()
	}()

	s.log.Info("Listening for maintenance connections", zap.Stringer("address", listener.Addr()))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || !s.IsAlive() {
				return nil
			}
			var netErr net.Error
			if goerrs.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.Error("Accept failed", zap.Error(err))
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, transport.NewStreamConn(conn))
		}()
	}
}

// ServeWebsocket serves the same protocol over WebSocket upgrades on listener.
func (s *Server) ServeWebsocket(ctx context.Context, listener net.Listener) error {
	params := transport.WebsocketListenerParams{}
	if s.websocketParams != nil {
		params = *s.websocketParams
	}
	if params.Logger == nil {
		params.Logger = s.log
	}

	ws, err := transport.CreateWebsocketListener(params, s.handleConn)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ws.Serve(ctx, listener)
}

// Addr returns the address of the TCP listener, or nil before Serve runs.
func (s *Server) Addr() net.Addr {
	s.mut_addr.Lock()
	defer s.mut_addr.Unlock()
	return s.addr
}

func (s *Server) trackHandshake(conn transport.Conn) bool {
	s.mut_handshaking.Lock()
	defer s.mut_handshaking.Unlock()
	if !s.IsAlive() {
		return false
	}
	s.handshaking[conn] = struct{}{}
	return true
}

func (s *Server) untrackHandshake(conn transport.Conn) {
	s.mut_handshaking.Lock()
	defer s.mut_handshaking.Unlock()
	delete(s.handshaking, conn)
}

// handleConn owns conn until the connection ends.
func (s *Server) handleConn(ctx context.Context, conn transport.Conn) {
	log := s.log.With(
		zap.String("connId", s.connIds.GetRandomString(8)),
		zap.String("remote", transport.HostAddress(conn)),
	)
	log.Debug("New maintenance connection")

	if !s.trackHandshake(conn) {
		conn.Close()
		return
	}
	req, err := s.awaitHandshake(conn)
	s.untrackHandshake(conn)
	if err != nil {
		s.metrics.handshake(false)
		log.Warn("Handshake failed", zap.Error(err))
		conn.Close()
		return
	}

	location := req.ConnectionRequest.Location
	log = log.With(zap.String("location", location))

	cc := &ClientConnection{
		Location:          location,
		ConnectedAt:       time.Now(),
		inactivityTimeout: s.inactivityTimeout,
	}
	cc.ConnectionId = s.connIds.GetRandomString(8)
	cc.Connection = newConnection(connectionParams{
		Conn:           conn,
		Handler:        s.handler,
		RequestTimeout: s.requestTimeout,
		Logger:         log,
		Metrics:        s.metrics,
		OnInbound:      cc.resetWatchdog,
		OnClose: func(cause error) {
			cc.stopWatchdog()
			s.registry.Remove(location, cc)
		},
	})

	evicted, hadPrevious := s.registry.Insert(location, cc)
	if hadPrevious {
		s.metrics.eviction()
		log.Info("Location taken over by new connection", zap.String("previous", evicted.HostAddress()))
		evicted.shutdown(&errors.ConnectionTakenOver{Location: location, RemoteAddress: cc.HostAddress()})
	}

	cc.armWatchdog()
	if !s.IsAlive() {
		cc.Shutdown()
		return
	}

	if err := cc.establish(message.NewConnectionResponse(req)); err != nil {
		s.metrics.handshake(false)
		log.Warn("Could not confirm connection", zap.Error(err))
		return
	}
	s.metrics.handshake(true)
	log.Info("Maintenance connection established")

	cc.run()
}

func (s *Server) awaitHandshake(conn transport.Conn) (*message.Message, error) {
	remote := transport.HostAddress(conn)
	timeout := s.inactivityTimeout
	if timeout <= 0 {
		timeout = s.requestTimeout
	}

	req, err := conn.Receive(timeout)
	if err != nil {
		return nil, &errors.HandshakeFailure{RemoteAddress: remote, Reason: "no connection request received", Err: err}
	}
	if req.MessageType != message.MessageType_ConnectionRequest {
		return nil, &errors.HandshakeFailure{
			RemoteAddress: remote,
			Reason:        "invalid connection request",
			Err: &errors.UnexpectedMessage{
				Expected: message.MessageType_ConnectionRequest.String(),
				Actual:   req.String(),
			},
		}
	}
	if err := req.Validate(); err != nil {
		return nil, &errors.HandshakeFailure{RemoteAddress: remote, Reason: "invalid connection request", Err: err}
	}
	if req.ConnectionRequest.Location == "" {
		return nil, &errors.HandshakeFailure{RemoteAddress: remote, Reason: "empty location name"}
	}
	return req, nil
}

// GetConnection returns the live connection for location.
func (s *Server) GetConnection(location string) (*ClientConnection, bool) {
	return s.registry.Lookup(location)
}

// ListConnectedLocations returns a sorted snapshot of registered locations.
func (s *Server) ListConnectedLocations() []string {
	return s.registry.Locations()
}

func (s *Server) SendQuery(ctx context.Context, location string, req *message.Message) (*message.Message, error) {
	cc, ok := s.GetConnection(location)
	if !ok {
		return nil, &errors.UnknownLocation{Location: location}
	}
	return cc.SendQuery(ctx, req)
}

func (s *Server) SendCommand(location string, req *message.Message) error {
	cc, ok := s.GetConnection(location)
	if !ok {
		return &errors.UnknownLocation{Location: location}
	}
	return cc.SendCommand(req)
}

// GetHostAddress returns the IP address of the terminal serving location.
func (s *Server) GetHostAddress(location string) (string, error) {
	cc, ok := s.GetConnection(location)
	if !ok {
		return "", &errors.UnknownLocation{Location: location}
	}
	return cc.HostAddress(), nil
}

// GetConnectedSince returns when the terminal serving location completed its
// handshake.
func (s *Server) GetConnectedSince(location string) (time.Time, error) {
	cc, ok := s.GetConnection(location)
	if !ok {
		return time.Time{}, &errors.UnknownLocation{Location: location}
	}
	return cc.ConnectedAt, nil
}

func (s *Server) IsAlive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown stops accepting connections and closes every open one.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mut_handshaking.Lock()
		close(s.done)
		for conn := range s.handshaking {
			conn.Close()
		}
		s.mut_handshaking.Unlock()

		for _, cc := range s.registry.Connections() {
			cc.Shutdown()
		}
		s.log.Info("Maintenance server shut down")
	})
}
