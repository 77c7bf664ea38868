package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSListener accepts broker connections tunneled over WebSocket, the
// "mqtt" subprotocol with binary frames. Each upgraded socket is wrapped
// into a net.Conn and handed to the same handler the TCP listener uses.
type WSListener struct {
	addr     string
	path     string
	handler  ConnHandler
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func NewWSListener(cfg Config, handler ConnHandler, logger zerolog.Logger) *WSListener {
	if cfg.Addr == "" {
		cfg.Addr = ":8083"
	}
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	return &WSListener{
		addr:    cfg.Addr,
		path:    cfg.Path,
		handler: handler,
		log:     logger.With().Str("component", "ws-listener").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"mqtt"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start binds the port and serves upgrades until Stop.
func (l *WSListener) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	router := http.NewServeMux()
	router.HandleFunc(l.path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		go l.handler(ctx, NewWSConn(ws))
	})

	server := &http.Server{Handler: router}
	l.mu.Lock()
	l.server = server
	l.listener = listener
	l.mu.Unlock()

	l.log.Info().Str("addr", listener.Addr().String()).Str("path", l.path).Msg("websocket listener accepting")
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			l.log.Error().Err(err).Msg("websocket server failed")
		}
	}()
	return nil
}

// Addr reports the bound address, useful with ":0" in tests.
func (l *WSListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *WSListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

// WSConn adapts one websocket to net.Conn. Reads buffer across message
// boundaries: the protocol layer consumes a byte stream and must not
// care how the peer framed it.
type WSConn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	residue []byte

	writeMu sync.Mutex
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.residue) == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		// Text frames are not valid on the mqtt subprotocol; skip them.
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.residue = data
	}

	n := copy(p, c.residue)
	c.residue = c.residue[n:]
	return n, nil
}

func (c *WSConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WSConn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *WSConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
