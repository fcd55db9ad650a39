package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

// Subscriber is a model.TupleSource fed by a NATS subscription. Messages
// that arrive while the consumer is behind are dropped and counted as lost.
type Subscriber struct {
	*queue
	nc       *nats.Conn
	sub      *nats.Subscription
	subject  string
	logger   *slog.Logger
	warnings *rate.Limiter
}

// NewSubscriber connects to NATS and subscribes to the configured subject.
func NewSubscriber(cfg config.ProbeConfig, bufferSize int, logger *slog.Logger) (*Subscriber, error) {
	s := newSubscriber(cfg.Subject, bufferSize, logger)

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("cwnd-capture-subscriber"))
	if err != nil {
		return nil, err
	}
	s.logger.Info("connected to NATS", "url", cfg.NATSURL)

	sub, err := nc.Subscribe(s.subject, func(msg *nats.Msg) {
		s.handle(msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.nc, s.sub = nc, sub
	s.logger.Info("subscribed, waiting for tuples", "subject", s.subject)
	return s, nil
}

func newSubscriber(subject string, bufferSize int, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		queue:    newQueue(bufferSize),
		subject:  subject,
		logger:   logger.With("component", "subscriber"),
		warnings: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (s *Subscriber) handle(data []byte) {
	t, err := DecodeTuple(data)
	if err != nil {
		s.addLost(1)
		if s.warnings.Allow() {
			s.logger.Warn("discarding undecodable message", "error", err)
		}
		return
	}
	s.enqueue(t)
}

// Next implements model.TupleSource.
func (s *Subscriber) Next(ctx context.Context) (model.RawTuple, error) {
	return s.next(ctx)
}

// Close unsubscribes and closes the NATS connection. Tuples already queued
// are still returned by Next before io.EOF.
func (s *Subscriber) Close() error {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS connection closed")
	}
	s.shutdown()
	return nil
}
