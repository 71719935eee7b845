package release

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/transport"
)

// Transport publishes and fetches verified events with quorum guarantees.
// Implemented by transport.Multi.
type Transport interface {
	Publish(ctx context.Context, ev *events.Event) (*transport.PublishResult, error)
	Fetch(ctx context.Context, filter events.Filter) ([]*events.Event, error)
}

// Service exposes the switch operations to owners, guardians and recipients.
// It holds no per-switch state; every call reads the current events.
type Service struct {
	transport Transport
	log       *slog.Logger
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source used for deadlines and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a service publishing through t.
func NewService(t Transport, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		transport: t,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// publish signs ev with key and publishes it.
func (s *Service) publish(ctx context.Context, key *events.PrivateKey, ev *events.Event) (*events.Event, error) {
	if err := ev.Sign(key); err != nil {
		return nil, err
	}
	result, err := s.transport.Publish(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Published",
		slog.String("kind", events.KindName(ev.Kind)),
		slog.String("event_id", ev.ID),
		slog.Int("channels", len(result.Succeeded)))
	return ev, nil
}
