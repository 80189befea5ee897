package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subjects for externally published events.
const (
	SubjectEscalations = "qualityd.escalations"
	SubjectGateResults = "qualityd.gates"
)

// Forwarder republishes escalation and gate-outcome events to NATS so
// external dashboards can subscribe without linking against qualityd.
// Health updates stay in-process; they are served by the HTTP snapshot.
type Forwarder struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials NATS and returns a forwarder. The connection retries in
// the background, so a broker that is down at startup does not block the
// daemon. token may be empty for unauthenticated servers.
func Connect(url, token string, logger *zap.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return &Forwarder{nc: nc, logger: logger}, nil
}

// Attach registers the forwarder's handlers on the bus.
func (f *Forwarder) Attach(bus *Bus) {
	bus.OnEscalation(f.forwardEscalation)
	bus.OnGateOutcome(f.forwardGateOutcome)
}

// Close drains and closes the NATS connection.
func (f *Forwarder) Close() {
	if f.nc != nil {
		f.nc.Close()
	}
}

func (f *Forwarder) forwardEscalation(e Escalation) {
	f.publish(SubjectEscalations, e)
}

func (f *Forwarder) forwardGateOutcome(g GateOutcome) {
	f.publish(SubjectGateResults, g)
}

func (f *Forwarder) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := f.nc.Publish(subject, data); err != nil {
		f.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
