package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/metrics"
	"golang.org/x/sync/errgroup"
)

// Quorum floors. Configurations below these are rejected, never raised.
const (
	MinChannelsFloor   = 7
	PublishQuorumFloor = 5
	FetchQuorumFloor   = 3

	DefaultChannelTimeout = 5 * time.Second
)

// Config holds the redundancy parameters of a Multi.
type Config struct {
	MinChannels    int           `yaml:"min_channels"`
	PublishQuorum  int           `yaml:"publish_quorum"`
	FetchQuorum    int           `yaml:"fetch_quorum"`
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
}

// DefaultConfig returns the minimum accepted redundancy.
func DefaultConfig() Config {
	return Config{
		MinChannels:    MinChannelsFloor,
		PublishQuorum:  PublishQuorumFloor,
		FetchQuorum:    FetchQuorumFloor,
		ChannelTimeout: DefaultChannelTimeout,
	}
}

// Validate checks the configuration against the floors and the channel count.
func (c Config) Validate(channelCount int) error {
	switch {
	case c.MinChannels < MinChannelsFloor:
		return fmt.Errorf("%w: min channels %d below %d", interfaces.ErrConfiguration, c.MinChannels, MinChannelsFloor)
	case c.PublishQuorum < PublishQuorumFloor:
		return fmt.Errorf("%w: publish quorum %d below %d", interfaces.ErrConfiguration, c.PublishQuorum, PublishQuorumFloor)
	case c.FetchQuorum < FetchQuorumFloor:
		return fmt.Errorf("%w: fetch quorum %d below %d", interfaces.ErrConfiguration, c.FetchQuorum, FetchQuorumFloor)
	case c.ChannelTimeout <= 0:
		return fmt.Errorf("%w: channel timeout must be positive", interfaces.ErrConfiguration)
	case channelCount < c.MinChannels:
		return fmt.Errorf("%w: %d channels configured, at least %d required", interfaces.ErrConfiguration, channelCount, c.MinChannels)
	case c.PublishQuorum > channelCount || c.FetchQuorum > channelCount:
		return fmt.Errorf("%w: quorum exceeds %d channels", interfaces.ErrConfiguration, channelCount)
	}
	return nil
}

// HealthTracker filters channels and records call outcomes. Implemented by
// health.Monitor.
type HealthTracker interface {
	Eligible(name string, now time.Time) bool
	RecordSuccess(name string)
	RecordFailure(name string)
}

// ChannelFailure names a channel that failed an operation.
type ChannelFailure struct {
	Channel string
	Err     error
}

// PublishResult lists the channels that accepted and rejected an event.
type PublishResult struct {
	Succeeded []string
	Failed    []ChannelFailure
}

// Multi fans operations out to a fixed set of channels and enforces quorum.
// No single channel is trusted: fetched events are verified individually.
type Multi struct {
	channels []Channel
	cfg      Config
	health   HealthTracker
	log      *slog.Logger
	now      func() time.Time
}

// MultiOption customizes a Multi.
type MultiOption func(*Multi)

// WithHealthTracker skips channels the tracker reports as backing off.
func WithHealthTracker(h HealthTracker) MultiOption {
	return func(m *Multi) { m.health = h }
}

// WithClock overrides the time source used for health eligibility.
func WithClock(now func() time.Time) MultiOption {
	return func(m *Multi) { m.now = now }
}

// NewMulti validates cfg against channels and returns a quorum transport.
func NewMulti(channels []Channel, cfg Config, log *slog.Logger, opts ...MultiOption) (*Multi, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(len(channels)); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if seen[ch.Name()] {
			return nil, fmt.Errorf("%w: duplicate channel %s", interfaces.ErrConfiguration, ch.Name())
		}
		seen[ch.Name()] = true
	}

	m := &Multi{
		channels: channels,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Channels returns the configured channels.
func (m *Multi) Channels() []Channel {
	return m.channels
}

// Config returns the validated configuration.
func (m *Multi) Config() Config {
	return m.cfg
}

// Publish sends a signed event to every eligible channel concurrently. It
// returns ErrQuorum only if fewer than PublishQuorum channels accepted it;
// otherwise partial failures are reported in the result.
func (m *Multi) Publish(ctx context.Context, ev *events.Event) (*PublishResult, error) {
	if err := ev.Verify(); err != nil {
		return nil, fmt.Errorf("refusing to publish: %w", err)
	}

	start := time.Now()
	targets, errs := m.reach(ctx, m.cfg.PublishQuorum, "publish", func(ctx context.Context, _ int, ch Channel) error {
		return ch.Publish(ctx, ev)
	})

	result := &PublishResult{}
	for i, ch := range targets {
		if errs[i] == nil {
			result.Succeeded = append(result.Succeeded, ch.Name())
		} else {
			result.Failed = append(result.Failed, ChannelFailure{Channel: ch.Name(), Err: errs[i]})
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if len(result.Succeeded) < m.cfg.PublishQuorum {
		metrics.QuorumFailures.WithLabelValues("publish").Inc()
		m.log.Error("Publish did not reach quorum",
			slog.String("event_id", ev.ID),
			slog.String("kind", events.KindName(ev.Kind)),
			slog.Int("succeeded", len(result.Succeeded)),
			slog.Int("quorum", m.cfg.PublishQuorum),
			"err", joinFailures(result.Failed))
		return result, fmt.Errorf("%w: published to %d of %d required channels: %w",
			interfaces.ErrQuorum, len(result.Succeeded), m.cfg.PublishQuorum, joinFailures(result.Failed))
	}

	m.log.Debug("Published event",
		slog.String("event_id", ev.ID),
		slog.String("kind", events.KindName(ev.Kind)),
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failed)),
		slog.Duration("duration", time.Since(start)))

	return result, nil
}

// Fetch queries every eligible channel concurrently and merges the answers.
// Events failing verification or the filter are dropped, duplicates are
// removed, latest-wins is applied to addressable kinds and the result is
// ordered newest first. Fewer than FetchQuorum responding channels is an
// ErrQuorum, even when some events were found.
func (m *Multi) Fetch(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	start := time.Now()
	answers := make([][]*events.Event, len(m.channels))

	targets, errs := m.reach(ctx, m.cfg.FetchQuorum, "fetch", func(ctx context.Context, i int, ch Channel) error {
		evs, err := ch.Query(ctx, filter)
		answers[i] = evs
		return err
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	responded := 0
	var failures []ChannelFailure
	var collected []*events.Event
	for i, ch := range targets {
		if errs[i] != nil {
			failures = append(failures, ChannelFailure{Channel: ch.Name(), Err: errs[i]})
			continue
		}
		responded++

		invalid := 0
		for _, ev := range answers[i] {
			if !filter.Matches(ev) {
				continue
			}
			if err := ev.Verify(); err != nil {
				invalid++
				continue
			}
			collected = append(collected, ev)
		}
		if invalid > 0 {
			metrics.InvalidEvents.WithLabelValues(ch.Name()).Add(float64(invalid))
			m.log.Warn("Dropped events failing verification",
				slog.String("backend_name", ch.Name()),
				slog.Int("count", invalid))
		}
	}

	if responded < m.cfg.FetchQuorum {
		metrics.QuorumFailures.WithLabelValues("fetch").Inc()
		return nil, fmt.Errorf("%w: %d of %d required channels responded: %w",
			interfaces.ErrQuorum, responded, m.cfg.FetchQuorum, joinFailures(failures))
	}

	merged := filter.ApplyLimit(events.Merge(collected))

	m.log.Debug("Fetched events",
		slog.Int("responded", responded),
		slog.Int("returned", len(merged)),
		slog.Duration("duration", time.Since(start)))

	return merged, nil
}

// Stream polls Fetch every interval and hands each newly seen event to deliver
// until ctx is cancelled. Fetch errors are logged and retried on the next tick.
func (m *Multi) Stream(ctx context.Context, filter events.Filter, every time.Duration, deliver func(*events.Event)) error {
	seen := make(map[string]bool)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		evs, err := m.Fetch(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("Stream fetch failed", "err", err)
		}
		for i := len(evs) - 1; i >= 0; i-- {
			if !seen[evs[i].ID] {
				seen[evs[i].ID] = true
				deliver(evs[i])
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// reach calls every eligible channel and, when fewer than needed succeed,
// retries on the channels the health tracker had skipped. The returned
// channels and errors are parallel slices; call receives the position in them.
func (m *Multi) reach(ctx context.Context, needed int, op string, call func(context.Context, int, Channel) error) ([]Channel, []error) {
	targets, skipped := m.selectChannels(needed)
	errs := m.fanOut(ctx, targets, op, call)
	if len(skipped) == 0 || ctx.Err() != nil {
		return targets, errs
	}

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	if succeeded >= needed {
		return targets, errs
	}

	m.log.Debug("Quorum short, trying skipped channels",
		slog.String("op", op),
		slog.Int("succeeded", succeeded),
		slog.Int("needed", needed),
		slog.Int("skipped", len(skipped)))
	offset := len(targets)
	more := m.fanOut(ctx, skipped, op, func(ctx context.Context, i int, ch Channel) error {
		return call(ctx, offset+i, ch)
	})
	return append(slices.Clone(targets), skipped...), append(errs, more...)
}

// selectChannels splits the channels into those the health tracker allows and
// those it skips. All channels are used when too few are eligible to reach needed.
func (m *Multi) selectChannels(needed int) (eligible, skipped []Channel) {
	if m.health == nil {
		return m.channels, nil
	}

	now := m.now()
	eligible = make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if m.health.Eligible(ch.Name(), now) {
			eligible = append(eligible, ch)
		} else {
			skipped = append(skipped, ch)
		}
	}
	if len(eligible) < needed {
		m.log.Debug("Too few healthy channels, using all",
			slog.Int("eligible", len(eligible)),
			slog.Int("needed", needed))
		return m.channels, nil
	}
	return eligible, skipped
}

// fanOut runs call on every channel concurrently, each under its own timeout.
// The returned slice holds one error per channel.
func (m *Multi) fanOut(ctx context.Context, targets []Channel, op string, call func(context.Context, int, Channel) error) []error {
	errs := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(len(targets))
	for i, ch := range targets {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.ChannelTimeout)
			defer cancel()

			start := time.Now()
			err := call(callCtx, i, ch)
			errs[i] = err
			metrics.ObserveChannelCall(ch.Name(), op, err, time.Since(start))

			if err != nil {
				m.log.Debug("Channel call failed",
					slog.String("backend_name", ch.Name()),
					slog.String("op", op),
					"err", err)
			}
			if m.health != nil && ctx.Err() == nil {
				if err == nil {
					m.health.RecordSuccess(ch.Name())
				} else {
					m.health.RecordFailure(ch.Name())
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func joinFailures(failures []ChannelFailure) error {
	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Channel, f.Err))
	}
	return errors.Join(errs...)
}
