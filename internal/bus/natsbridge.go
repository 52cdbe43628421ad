package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/config"
)

// NATSBridge mirrors every bus message onto an external NATS server so
// out-of-process observers (dashboards, recorders) can follow a run. The
// bridge is one-way; nothing on NATS feeds back into the bus.
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewNATSBridge connects to NATS. An empty prefix defaults to
// "alphadesk.events.".
func NewNATSBridge(url, prefix string) (*NATSBridge, error) {
	log := config.NewLogger("bridge")
	nc, err := nats.Connect(
		url,
		nats.Name("alphadesk-bridge"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if prefix == "" {
		prefix = "alphadesk.events."
	}

	log.Info().
		Str("nats_url", url).
		Str("prefix", prefix).
		Msg("Event bridge connected")

	return &NATSBridge{
		nc:     nc,
		prefix: prefix,
		log:    log,
	}, nil
}

// Attach installs the bridge as the bus tap.
func (b *NATSBridge) Attach(bus *Bus) {
	bus.SetTap(b.publish)
}

// publish mirrors one message. Failures are logged and dropped; the bridge
// never disturbs in-process delivery.
func (b *NATSBridge) publish(msg *Message) {
	data, err := msg.Encode()
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to encode message for bridge")
		return
	}

	// Pattern: alphadesk.events.{recipient}.{subject}
	subject := fmt.Sprintf("%s%s.%s", b.prefix, msg.Recipient, msg.Subject)
	if err := b.nc.Publish(subject, data); err != nil {
		b.log.Warn().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish message to bridge")
	}
}

// Close flushes and closes the NATS connection.
func (b *NATSBridge) Close() {
	if b.nc != nil {
		if err := b.nc.Flush(); err != nil {
			b.log.Warn().Err(err).Msg("Bridge flush failed")
		}
		b.nc.Close()
		b.log.Info().Msg("Event bridge closed")
	}
}
