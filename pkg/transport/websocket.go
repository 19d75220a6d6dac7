package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	mterrors "github.com/kabieror/elwasys-common/pkg/errors"
	"github.com/kabieror/elwasys-common/pkg/message"
	utils "github.com/kabieror/elwasys-common/pkg/util"
	"go.uber.org/zap"
)

type NonBinaryMessage struct{}

func (m *NonBinaryMessage) Error() string {
	return "Non binary message received"
}

// websocketConn carries one CBOR encoded message per binary frame.
type websocketConn struct {
	conn *websocket.Conn

	mut_write sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewWebsocketConn(conn *websocket.Conn) Conn {
	return &websocketConn{conn: conn}
}

// DialWebsocket opens a maintenance connection to a ws:// or wss:// URL.
func DialWebsocket(ctx context.Context, url string, timeout time.Duration) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebsocketConn(conn), nil
}

func (c *websocketConn) Send(msg *message.Message) error {
	buf, err := marshal(msg)
	if err != nil {
		return err
	}

	c.mut_write.Lock()
	defer c.mut_write.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (c *websocketConn) Receive(timeout time.Duration) (*message.Message, error) {
	if err := c.conn.SetReadDeadline(readDeadline(timeout)); err != nil {
		return nil, err
	}

	msgType, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, &mterrors.MalformedMessage{Err: &NonBinaryMessage{}}
	}

	var msg message.Message
	if err := unmarshal(payload, &msg); err != nil {
		return nil, &mterrors.MalformedMessage{Err: err}
	}
	return &msg, nil
}

func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *websocketConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

type WebsocketListenerParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	Logger *zap.Logger
}

type websocketListener struct {
	upgrader *websocket.Upgrader
	params   WebsocketListenerParams
	onConn   func(ctx context.Context, conn Conn)

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

func checkOrigin(r *http.Request, params WebsocketListenerParams) bool {
	origin := r.Header.Get("Origin")
	if slices.Contains(params.DenylistedHosts, origin) {
		return false
	}

	// Terminals are not browsers and usually send no Origin at all.
	if params.AllowAllHosts || origin == "" {
		return true
	}

	return slices.Contains(params.AllowlistedHosts, origin)
}

// CreateWebsocketListener returns a listener that upgrades requests on
// ListenEndpoint and hands every resulting connection to onConn. onConn runs
// on the request goroutine and owns the connection.
func CreateWebsocketListener(params WebsocketListenerParams, onConn func(ctx context.Context, conn Conn)) (*websocketListener, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/maintenance"
	}

	return &websocketListener{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params: params,
		onConn: onConn,

		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomstringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (ws *websocketListener) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(
		zap.String("wsConnId", ws.stringGen.GetRandomString(6)),
		zap.String("remote", r.RemoteAddr),
	)

	log.Debug("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	conn := NewWebsocketConn(c)
	defer conn.Close()

	ws.onConn(ctx, conn)
}

// Serve serves WebSocket upgrades on listener until ctx is cancelled.
func (ws *websocketListener) Serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		// Hijacked connections are not tracked by Shutdown; their owners
		// close them when ctx is done.
		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	ws.log.Sugar().Infof("Starting WebSocket server at %s%s", listener.Addr(), ws.params.ListenEndpoint)
	if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		return err
	}

	wg.Wait()
	return nil
}
