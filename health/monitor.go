package health

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/metrics"
	"github.com/ruteri/guardian-switch/transport"
	"golang.org/x/sync/errgroup"
)

// Config holds the backoff parameters.
type Config struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Jitter           time.Duration `yaml:"jitter"`
	HighWater        int           `yaml:"high_water"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// DefaultConfig returns the default backoff parameters.
func DefaultConfig() Config {
	return Config{
		BaseDelay:        time.Second,
		MaxDelay:         5 * time.Minute,
		Jitter:           500 * time.Millisecond,
		HighWater:        8,
		RecoveryInterval: 10 * time.Minute,
	}
}

// Validate checks that the parameters are usable.
func (c Config) Validate() error {
	switch {
	case c.BaseDelay <= 0:
		return fmt.Errorf("%w: base delay must be positive", interfaces.ErrConfiguration)
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("%w: max delay below base delay", interfaces.ErrConfiguration)
	case c.Jitter < 0:
		return fmt.Errorf("%w: negative jitter", interfaces.ErrConfiguration)
	case c.HighWater < 1:
		return fmt.Errorf("%w: high water must be at least 1", interfaces.ErrConfiguration)
	case c.RecoveryInterval <= 0:
		return fmt.Errorf("%w: recovery interval must be positive", interfaces.ErrConfiguration)
	}
	return nil
}

// State is the bookkeeping kept for one channel.
type State struct {
	Channel               string
	FailureCount          int
	NextEligibleAt        time.Time
	LastRecoveryAttemptAt time.Time
	Quarantined           bool
}

type record struct {
	state   State
	backoff *backoff.ExponentialBackOff
}

// Monitor owns the health records of a set of channels. It is safe for
// concurrent use and implements transport.HealthTracker.
type Monitor struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	records map[string]*record

	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

var _ transport.HealthTracker = (*Monitor)(nil)

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithJitter overrides the jitter source. f receives the configured maximum.
func WithJitter(f func(max time.Duration) time.Duration) Option {
	return func(m *Monitor) { m.jitter = f }
}

// NewMonitor creates an empty monitor.
func NewMonitor(cfg Config, log *slog.Logger, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	m := &Monitor{
		cfg:     cfg,
		log:     log,
		records: make(map[string]*record),
		now:     time.Now,
		jitter:  uniformJitter,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func (m *Monitor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// get returns the record for name, creating it. Callers hold m.mu.
func (m *Monitor) get(name string) *record {
	rec, ok := m.records[name]
	if !ok {
		rec = &record{state: State{Channel: name}, backoff: m.newBackOff()}
		m.records[name] = rec
	}
	return rec
}

// Eligible reports whether the channel may be used at now. For a quarantined
// channel a positive answer claims the recovery probe slot, so at most one
// caller per RecoveryInterval touches it.
func (m *Monitor) Eligible(name string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return true
	}

	st := &rec.state
	if st.Quarantined {
		if now.Sub(st.LastRecoveryAttemptAt) < m.cfg.RecoveryInterval {
			return false
		}
		st.LastRecoveryAttemptAt = now
		m.log.Debug("Recovery probe due", slog.String("backend_name", name))
		return true
	}
	return !now.Before(st.NextEligibleAt)
}

// RecordSuccess resets the channel's backoff.
func (m *Monitor) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(name)
	if rec.state.Quarantined {
		m.log.Info("Channel recovered",
			slog.String("backend_name", name),
			slog.Int("failures", rec.state.FailureCount))
	}

	rec.state.FailureCount = 0
	rec.state.NextEligibleAt = time.Time{}
	rec.state.Quarantined = false
	rec.backoff.Reset()

	metrics.ChannelFailures.WithLabelValues(name).Set(0)
	metrics.ChannelQuarantined.WithLabelValues(name).Set(0)
}

// RecordFailure extends the channel's backoff, quarantining it at the high
// water mark.
func (m *Monitor) RecordFailure(name string) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(name)
	st := &rec.state
	st.FailureCount++
	metrics.ChannelFailures.WithLabelValues(name).Set(float64(st.FailureCount))

	if st.FailureCount >= m.cfg.HighWater {
		if !st.Quarantined {
			st.Quarantined = true
			st.LastRecoveryAttemptAt = now
			metrics.ChannelQuarantined.WithLabelValues(name).Set(1)
			m.log.Warn("Channel quarantined",
				slog.String("backend_name", name),
				slog.Int("failures", st.FailureCount),
				slog.Duration("recovery_interval", m.cfg.RecoveryInterval))
		}
		st.NextEligibleAt = st.LastRecoveryAttemptAt.Add(m.cfg.RecoveryInterval)
		return
	}

	delay := rec.backoff.NextBackOff() + m.jitter(m.cfg.Jitter)
	st.NextEligibleAt = now.Add(delay)
	m.log.Debug("Channel backing off",
		slog.String("backend_name", name),
		slog.Int("failures", st.FailureCount),
		slog.Duration("delay", delay))
}

// Filter returns the channels eligible at now.
func (m *Monitor) Filter(channels []transport.Channel, now time.Time) []transport.Channel {
	out := make([]transport.Channel, 0, len(channels))
	for _, ch := range channels {
		if m.Eligible(ch.Name(), now) {
			out = append(out, ch)
		}
	}
	return out
}

// Probe checks the availability of every due channel concurrently and
// records the outcomes. It returns the number of channels probed.
func (m *Monitor) Probe(ctx context.Context, channels []transport.Channel) int {
	due := m.Filter(channels, m.now())
	if len(due) == 0 {
		return 0
	}

	var g errgroup.Group
	g.SetLimit(len(due))
	for _, ch := range due {
		g.Go(func() error {
			ok := ch.Available(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if ok {
				m.RecordSuccess(ch.Name())
			} else {
				m.RecordFailure(ch.Name())
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

// Run probes channels every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, channels []transport.Channel, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		probed := m.Probe(ctx, channels)
		m.log.Debug("Health probe round", slog.Int("probed", probed))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Snapshot returns a copy of every record, ordered by channel name.
func (m *Monitor) Snapshot() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.state)
	}
	slices.SortFunc(out, func(a, b State) int {
		return strings.Compare(a.Channel, b.Channel)
	})
	return out
}

// State returns the record for one channel.
func (m *Monitor) State(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return State{Channel: name}, false
	}
	return rec.state, true
}
