package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
)

// NATSMirror forwards every bus event to an external NATS broker as JSON,
// one subject per event kind (see TaskEvent.Subject). It is a plain
// subscriber of the in-process bus; engine components never depend on it.
type NATSMirror struct {
	conn   *nats.Conn
	sub    Subscription
	logger *logger.Logger
}

// NATSMirrorConfig holds the broker connection settings.
type NATSMirrorConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// NewNATSMirror connects to the broker and subscribes to the bus.
func NewNATSMirror(b Bus, cfg NATSMirrorConfig, log *logger.Logger) (*NATSMirror, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	m := &NATSMirror{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "nats-mirror")),
	}

	sub, err := b.Subscribe(m.forward)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.sub = sub

	m.logger.Info("mirroring events to NATS", zap.String("url", cfg.URL))
	return m, nil
}

func (m *NATSMirror) forward(_ context.Context, event events.TaskEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	if err := m.conn.Publish(event.Subject(), data); err != nil {
		m.logger.Warn("failed to publish event to NATS",
			zap.String("subject", event.Subject()),
			zap.Error(err))
	}
}

// Close unsubscribes from the bus and drains the broker connection.
func (m *NATSMirror) Close() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	if m.conn != nil {
		_ = m.conn.Drain()
		m.conn.Close()
	}
}
