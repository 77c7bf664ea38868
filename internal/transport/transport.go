// Package transport accepts broker connections over TCP and WebSocket
// and hands them to the protocol layer as plain net.Conn streams.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnHandler consumes one accepted connection. It owns the conn and
// must close it; the listener does not wait for it to finish.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Config holds one listener's parameters.
type Config struct {
	Addr string `yaml:"addr"`
	// Path is the WebSocket upgrade path, ignored by the TCP listener.
	Path string `yaml:"path"`
}

// TCPListener accepts raw TCP broker connections.
type TCPListener struct {
	addr    string
	handler ConnHandler
	log     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
}

func NewTCPListener(cfg Config, handler ConnHandler, logger zerolog.Logger) *TCPListener {
	if cfg.Addr == "" {
		cfg.Addr = ":1883"
	}
	return &TCPListener{
		addr:    cfg.Addr,
		handler: handler,
		log:     logger.With().Str("component", "tcp-listener").Logger(),
	}
}

// Start binds the port and runs the accept loop until Stop.
func (l *TCPListener) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.listener = listener
	l.cancel = cancel
	l.mu.Unlock()

	l.log.Info().Str("addr", listener.Addr().String()).Msg("tcp listener accepting")
	go l.acceptLoop(ctx, listener)
	return nil
}

func (l *TCPListener) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var netErr net.Error
			if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
				continue
			}
			l.log.Error().Err(err).Msg("accept failed")
			return
		}
		go l.handler(ctx, conn)
	}
}

// Addr reports the bound address, useful with ":0" in tests.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Stop closes the listener; connections already handed off keep running.
func (l *TCPListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

// ArmHandshakeDeadline gives the peer a bounded window for its first
// bytes. The protocol layer clears the deadline after the first packet.
func ArmHandshakeDeadline(conn net.Conn, window time.Duration) net.Conn {
	if window > 0 {
		conn.SetReadDeadline(time.Now().Add(window))
	}
	return conn
}
