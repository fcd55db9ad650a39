package probe

import (
	"log/slog"

	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/nats-io/nats.go"
)

// Publisher is responsible for publishing raw tuples to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.ProbeConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("cwnd-probe-publisher"))
	if err != nil {
		return nil, err
	}
	logger.Info("connected to NATS", "url", cfg.NATSURL, "subject", cfg.Subject)
	return &Publisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Publish serializes a tuple and publishes it to the configured subject.
// It satisfies capture.Mirror.
func (p *Publisher) Publish(t model.RawTuple) error {
	data, err := EncodeTuple(t)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.logger.Info("NATS connection drained and closed")
	}
}
