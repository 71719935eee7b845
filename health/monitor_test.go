package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m, err := NewMonitor(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(clock.Now),
		WithJitter(func(time.Duration) time.Duration { return 0 }))
	require.NoError(t, err)
	return m, clock
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero base", func(c *Config) { c.BaseDelay = 0 }},
		{"max below base", func(c *Config) { c.MaxDelay = c.BaseDelay / 2 }},
		{"negative jitter", func(c *Config) { c.Jitter = -1 }},
		{"zero high water", func(c *Config) { c.HighWater = 0 }},
		{"zero recovery", func(c *Config) { c.RecoveryInterval = 0 }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewMonitor(cfg, nil)
			assert.True(t, errors.Is(err, interfaces.ErrConfiguration))
		})
	}
}

func TestExponentialBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighWater = 100
	m, clock := newTestMonitor(t, cfg)

	assert.True(t, m.Eligible("relay", clock.Now()), "unknown channels are eligible")

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		128 * time.Second,
		256 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, delay := range expected {
		m.RecordFailure("relay")
		st, ok := m.State("relay")
		require.True(t, ok)
		assert.Equal(t, i+1, st.FailureCount)
		assert.Equal(t, clock.Now().Add(delay), st.NextEligibleAt, "failure %d", i+1)

		assert.False(t, m.Eligible("relay", clock.Now().Add(delay-time.Millisecond)))
		assert.True(t, m.Eligible("relay", clock.Now().Add(delay)))
	}

	m.RecordSuccess("relay")
	st, _ := m.State("relay")
	assert.Zero(t, st.FailureCount)
	assert.True(t, m.Eligible("relay", clock.Now()))

	m.RecordFailure("relay")
	st, _ = m.State("relay")
	assert.Equal(t, clock.Now().Add(time.Second), st.NextEligibleAt, "success resets the sequence")
}

func TestJitterIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	m, err := NewMonitor(cfg, nil, WithClock(func() time.Time { return time.Unix(0, 0) }))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("relay-%d", i)
		m.RecordFailure(name)
		st, _ := m.State(name)
		delay := st.NextEligibleAt.Sub(time.Unix(0, 0))
		assert.GreaterOrEqual(t, delay, cfg.BaseDelay)
		assert.Less(t, delay, cfg.BaseDelay+cfg.Jitter)
	}
}

func TestQuarantineAndRecoveryProbe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighWater = 3
	m, clock := newTestMonitor(t, cfg)

	for i := 0; i < 3; i++ {
		m.RecordFailure("relay")
	}
	st, _ := m.State("relay")
	require.True(t, st.Quarantined)
	assert.Equal(t, clock.Now(), st.LastRecoveryAttemptAt)

	clock.Advance(cfg.RecoveryInterval - time.Second)
	assert.False(t, m.Eligible("relay", clock.Now()), "quarantined until the recovery interval passes")

	clock.Advance(time.Second)
	assert.True(t, m.Eligible("relay", clock.Now()), "recovery probe due")
	assert.False(t, m.Eligible("relay", clock.Now()), "only one caller gets the probe slot")

	// The probe fails: still quarantined, next probe one interval later.
	m.RecordFailure("relay")
	st, _ = m.State("relay")
	assert.True(t, st.Quarantined)
	assert.Equal(t, 4, st.FailureCount)
	assert.Equal(t, clock.Now().Add(cfg.RecoveryInterval), st.NextEligibleAt)

	clock.Advance(cfg.RecoveryInterval)
	require.True(t, m.Eligible("relay", clock.Now()))
	m.RecordSuccess("relay")

	st, _ = m.State("relay")
	assert.False(t, st.Quarantined)
	assert.Zero(t, st.FailureCount)
	assert.True(t, m.Eligible("relay", clock.Now()))
}

func TestMonitorsAreIndependent(t *testing.T) {
	a, clock := newTestMonitor(t, DefaultConfig())
	b, _ := newTestMonitor(t, DefaultConfig())

	a.RecordFailure("relay")
	assert.False(t, a.Eligible("relay", clock.Now()))
	assert.True(t, b.Eligible("relay", clock.Now()))
	assert.Empty(t, b.Snapshot())
}

func TestConcurrentRecording(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighWater = 1000
	m, clock := newTestMonitor(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("relay-%d", i%5)
			m.RecordFailure(name)
			m.Eligible(name, clock.Now())
			_ = m.Snapshot()
		}(i)
	}
	wg.Wait()

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 5)
	for i, st := range snapshot {
		assert.Equal(t, fmt.Sprintf("relay-%d", i), st.Channel)
		assert.Equal(t, 10, st.FailureCount)
	}
}

func TestProbe(t *testing.T) {
	m, clock := newTestMonitor(t, DefaultConfig())

	up := transport.NewMemoryChannel("up")
	down := transport.NewMemoryChannel("down")
	down.SetDown(true)
	channels := []transport.Channel{up, down}

	assert.Equal(t, 2, m.Probe(context.Background(), channels))
	st, _ := m.State(down.Name())
	assert.Equal(t, 1, st.FailureCount)
	st, _ = m.State(up.Name())
	assert.Zero(t, st.FailureCount)

	// The failing channel is backing off, only the healthy one is probed.
	assert.Equal(t, 1, m.Probe(context.Background(), channels))

	down.SetDown(false)
	clock.Advance(time.Second)
	assert.Equal(t, 2, m.Probe(context.Background(), channels))
	st, _ = m.State(down.Name())
	assert.Zero(t, st.FailureCount)
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, []transport.Channel{transport.NewMemoryChannel("a")}, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return len(m.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestMultiSkipsBackingOffChannels(t *testing.T) {
	m, clock := newTestMonitor(t, DefaultConfig())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var channels []transport.Channel
	var mems []*transport.MemoryChannel
	for i := 0; i < 8; i++ {
		mem := transport.NewMemoryChannel(fmt.Sprintf("relay-%d", i))
		mems = append(mems, mem)
		channels = append(channels, mem)
	}
	mems[7].SetDown(true)

	multi, err := transport.NewMulti(channels, transport.DefaultConfig(), log,
		transport.WithHealthTracker(m), transport.WithClock(clock.Now))
	require.NoError(t, err)

	key, err := events.GenerateKey()
	require.NoError(t, err)
	ev := events.New(events.KindHeartbeat, clock.Now(), events.SwitchTags("sw", 0), "")
	require.NoError(t, ev.Sign(key))

	result, err := multi.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Len(t, result.Failed, 1)

	result, err = multi.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 7)
	assert.Empty(t, result.Failed, "the failed channel is backing off")

	st, _ := m.State(mems[7].Name())
	assert.Equal(t, 1, st.FailureCount)
}
