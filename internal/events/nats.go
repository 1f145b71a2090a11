package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBridge republishes bus events as JSON on <prefix>.<event_type>.
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
	unsub  func()
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("exprun"),
		nats.Timeout(3*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats_disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats_reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

func NewNATSBridge(nc *nats.Conn, prefix string, logger zerolog.Logger) *NATSBridge {
	return &NATSBridge{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the NATS subject for an event type.
func Subject(prefix string, t EventType) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}

// Attach subscribes the bridge to every event on bus.
func (b *NATSBridge) Attach(bus *Bus) {
	b.unsub = bus.SubscribeAll(func(e Event) {
		if err := b.Publish(e); err != nil {
			b.logger.Warn().Str("event", string(e.Type)).Err(err).Msg("nats_publish_failed")
		}
	})
}

func (b *NATSBridge) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.nc.Publish(Subject(b.prefix, e.Type), data)
}

// Close detaches from the bus and drains the connection.
func (b *NATSBridge) Close() error {
	if b.unsub != nil {
		b.unsub()
	}
	if b.nc == nil || b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}
