package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig holds the connection parameters for the NATS-backed bus.
type NATSConfig struct {
	URL           string        `yaml:"url" env:"ARCMQ_NATS_URL"`
	MaxReconnects int           `yaml:"maxReconnects"`
	ReconnectWait time.Duration `yaml:"reconnectWait"`
	PingInterval  time.Duration `yaml:"pingInterval"`
	MaxPingsOut   int           `yaml:"maxPingsOut"`
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		PingInterval:  20 * time.Second,
		MaxPingsOut:   3,
	}
}

// NATSBus carries fabric addresses over NATS subjects. Fabric addresses
// use '/' separators; subjects use '.'; the mapping is one to one as long
// as node ids and store names contain neither character.
type NATSBus struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// ConnectNATS dials the cluster transport and wires connection-state
// logging.
func ConnectNATS(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxPingsOut <= 0 {
		cfg.MaxPingsOut = def.MaxPingsOut
	}

	bus := &NATSBus{log: logger.With().Str("component", "nats_bus").Logger()}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			bus.log.Warn().Err(err).Msg("disconnected from cluster bus")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			bus.log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to cluster bus")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			evt := bus.log.Error().Err(err)
			if sub != nil {
				evt = evt.Str("subject", sub.Subject)
			}
			evt.Msg("cluster bus error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster bus: %w", err)
	}
	bus.conn = conn
	bus.log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to cluster bus")
	return bus, nil
}

func (b *NATSBus) Publish(_ context.Context, address string, payload []byte) error {
	if err := b.conn.Publish(subjectFor(address), payload); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", address, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(address string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subjectFor(address), func(m *nats.Msg) {
		msg := &BusMessage{Address: address, Payload: m.Data}
		if m.Reply != "" {
			msg.reply = m.Respond
		}
		h(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe on %s: %w", address, err)
	}
	return sub, nil
}

func (b *NATSBus) Request(ctx context.Context, address string, payload []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := b.conn.RequestWithContext(ctx, subjectFor(address), payload)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return nil, ErrNoResponders
		case errors.Is(err, context.DeadlineExceeded):
			return nil, ErrRequestTimeout
		default:
			return nil, fmt.Errorf("request on %s failed: %w", address, err)
		}
	}
	return msg.Data, nil
}

// Close drains in-flight subscriptions and closes the connection.
func (b *NATSBus) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- b.conn.Drain() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		b.conn.Close()
		return ctx.Err()
	}
}

func subjectFor(address string) string {
	return strings.ReplaceAll(address, "/", ".")
}
