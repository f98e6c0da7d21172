package fanout

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/config"
	"github.com/kandev/agentctrl/internal/common/logger"
)

// broadcastSubject is the NATS subject the Coordinator mirrors every
// fanout frame onto, letting other Coordinator replicas (or out-of-process
// observers) subscribe to the same session/event stream this instance's
// SSE and WebSocket subscribers see.
const broadcastSubject = "coordinator.fanout"

// EventMirror is the narrow publish surface Hub needs to cross-post frames
// onto an external bus. Unset, broadcast stays purely in-process.
type EventMirror interface {
	Publish(subject string, data []byte)
	Close()
}

// noopMirror is the default EventMirror: fanout stays local to this process.
type noopMirror struct{}

func (noopMirror) Publish(string, []byte) {}
func (noopMirror) Close()                 {}

// NewNoopMirror returns an EventMirror that discards everything, for
// deployments with no NATS URL configured.
func NewNoopMirror() EventMirror { return noopMirror{} }

// NATSMirror publishes every broadcast frame onto a NATS subject,
// generalized from the teacher's internal/events/bus NATS implementation:
// fire-and-forget publish rather than a full request/reply event bus, since
// the Coordinator only needs outbound mirroring, not inbound subscription.
type NATSMirror struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSMirror connects to the configured NATS server. An empty URL
// disables mirroring entirely; the caller should fall back to no mirror.
func NewNATSMirror(cfg config.NATSConfig, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats mirror disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats mirror reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSMirror{conn: conn, log: log.WithFields(zap.String("component", "fanout_nats_mirror"))}, nil
}

// Publish fire-and-forgets a frame onto the mirror subject. Publish errors
// are logged, never returned: mirroring is best-effort and must not slow
// down or fail the in-process broadcast it rides alongside.
func (m *NATSMirror) Publish(subject string, data []byte) {
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.Warn("failed to publish mirrored frame", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() {
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}
