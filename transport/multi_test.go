package transport

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockChannel implements Channel for testing
type MockChannel struct {
	mock.Mock
	name string
}

func (m *MockChannel) Publish(ctx context.Context, ev *events.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockChannel) Query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*events.Event), args.Error(1)
}

func (m *MockChannel) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockChannel) Name() string {
	return m.name
}

func (m *MockChannel) LocationURI() string {
	return "mock://" + m.name
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signed(t *testing.T, key *events.PrivateKey, kind int, at int64, switchID, content string) *events.Event {
	t.Helper()
	ev := events.New(kind, time.Unix(at, 0), events.SwitchTags(switchID, 0), content)
	require.NoError(t, ev.Sign(key))
	return ev
}

// quorumChannels returns healthy memory channels followed by failing mocks.
func quorumChannels(healthy, failing int) ([]Channel, []*MemoryChannel) {
	var channels []Channel
	var mems []*MemoryChannel
	for i := 0; i < healthy; i++ {
		mem := NewMemoryChannel(fmt.Sprintf("healthy-%d", i))
		mems = append(mems, mem)
		channels = append(channels, mem)
	}
	for i := 0; i < failing; i++ {
		m := &MockChannel{name: fmt.Sprintf("failing-%d", i)}
		m.On("Publish", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Maybe()
		m.On("Query", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Maybe()
		channels = append(channels, m)
	}
	return channels, mems
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		channels int
		wantErr  bool
	}{
		{"defaults", func(c *Config) {}, 7, false},
		{"too few channels", func(c *Config) {}, 6, true},
		{"min channels below floor", func(c *Config) { c.MinChannels = 6 }, 10, true},
		{"publish quorum below floor", func(c *Config) { c.PublishQuorum = 4 }, 10, true},
		{"fetch quorum below floor", func(c *Config) { c.FetchQuorum = 2 }, 10, true},
		{"quorum above channel count", func(c *Config) { c.MinChannels = 7; c.PublishQuorum = 8 }, 7, true},
		{"zero timeout", func(c *Config) { c.ChannelTimeout = 0 }, 7, true},
		{"stricter than floors", func(c *Config) { c.PublishQuorum = 7; c.FetchQuorum = 5 }, 9, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(tt.channels)
			if tt.wantErr {
				assert.True(t, errors.Is(err, interfaces.ErrConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewMultiRejectsDuplicates(t *testing.T) {
	channels, _ := quorumChannels(7, 0)
	channels = append(channels, channels[0])
	_, err := NewMulti(channels, DefaultConfig(), testLogger())
	assert.True(t, errors.Is(err, interfaces.ErrConfiguration))
}

func TestQuorumWithFailingChannels(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	channels, mems := quorumChannels(6, 4)
	multi, err := NewMulti(channels, DefaultConfig(), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	first := signed(t, key, events.KindHeartbeat, 100, "sw", "first")
	second := signed(t, key, events.KindHeartbeat, 200, "sw", "second")
	other := signed(t, key, events.KindMessageStorage, 50, "sw", "message")

	for _, ev := range []*events.Event{first, second, other} {
		result, err := multi.Publish(ctx, ev)
		require.NoError(t, err)
		assert.Len(t, result.Succeeded, 6)
		assert.Len(t, result.Failed, 4)
	}
	for _, mem := range mems {
		assert.Equal(t, 3, mem.Len())
	}

	got, err := multi.Fetch(ctx, events.SwitchFilter("sw", events.KindHeartbeat, events.KindMessageStorage))
	require.NoError(t, err)
	require.Len(t, got, 2, "heartbeat latest-wins plus message storage")
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, other.ID, got[1].ID)
}

func TestPublishBelowQuorum(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	channels, _ := quorumChannels(4, 4)
	multi, err := NewMulti(channels, DefaultConfig(), testLogger())
	require.NoError(t, err)

	result, err := multi.Publish(context.Background(), signed(t, key, events.KindHeartbeat, 1, "sw", ""))
	assert.True(t, errors.Is(err, interfaces.ErrQuorum))
	assert.Equal(t, "not enough channels responded", interfaces.UserMessage(err))
	require.NotNil(t, result)
	assert.Len(t, result.Succeeded, 4)
}

func TestPublishRejectsUnsignedEvent(t *testing.T) {
	channels, _ := quorumChannels(7, 0)
	multi, err := NewMulti(channels, DefaultConfig(), testLogger())
	require.NoError(t, err)

	ev := events.New(events.KindHeartbeat, time.Now(), nil, "")
	_, err = multi.Publish(context.Background(), ev)
	assert.True(t, errors.Is(err, interfaces.ErrInvalidSignature))
}

func TestFetchBelowQuorumIsNotTrusted(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	channels, mems := quorumChannels(2, 5)
	multi, err := NewMulti(channels, DefaultConfig(), testLogger())
	require.NoError(t, err)

	mems[0].Inject(signed(t, key, events.KindHeartbeat, 1, "sw", ""))

	got, err := multi.Fetch(context.Background(), events.SwitchFilter("sw"))
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, interfaces.ErrQuorum))
}

func TestFetchDropsFabricatedEvents(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	channels, mems := quorumChannels(7, 0)
	multi, err := NewMulti(channels, DefaultConfig(), testLogger())
	require.NoError(t, err)

	genuine := signed(t, key, events.KindHeartbeat, 100, "sw", "genuine")
	_, err = multi.Publish(context.Background(), genuine)
	require.NoError(t, err)

	// A dishonest relay rewrites the content and claims a later timestamp.
	forged := *genuine
	forged.Content = "forged"
	forged.CreatedAt = 500
	mems[3].Inject(&forged)

	// Another relay returns an event outside the filter.
	mems[4].Inject(signed(t, key, events.KindHeartbeat, 900, "other", ""))

	got, err := multi.Fetch(context.Background(), events.SwitchFilter("sw", events.KindHeartbeat))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "genuine", got[0].Content)
}

func TestFetchTimesOutSlowChannels(t *testing.T) {
	channels, _ := quorumChannels(6, 0)

	slow := &MockChannel{name: "slow"}
	slow.On("Query", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded)
	channels = append(channels, slow)

	cfg := DefaultConfig()
	cfg.ChannelTimeout = 50 * time.Millisecond
	multi, err := NewMulti(channels, cfg, testLogger())
	require.NoError(t, err)

	start := time.Now()
	got, err := multi.Fetch(context.Background(), events.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 2*time.Second)
	slow.AssertExpectations(t)
}

func TestFetchCancellationPropagates(t *testing.T) {
	var channels []Channel
	for i := 0; i < 7; i++ {
		m := &MockChannel{name: fmt.Sprintf("blocking-%d", i)}
		m.On("Query", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).Return(nil, context.Canceled)
		channels = append(channels, m)
	}

	cfg := DefaultConfig()
	cfg.ChannelTimeout = time.Minute
	multi, err := NewMulti(channels, cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = multi.Fetch(ctx, events.Filter{})
	assert.True(t, errors.Is(err, context.Canceled))
}

type fakeHealth struct {
	mu        sync.Mutex
	blocked   map[string]bool
	successes map[string]int
	failures  map[string]int
}

func newFakeHealth(blocked ...string) *fakeHealth {
	h := &fakeHealth{blocked: map[string]bool{}, successes: map[string]int{}, failures: map[string]int{}}
	for _, b := range blocked {
		h.blocked[b] = true
	}
	return h
}

func (h *fakeHealth) Eligible(name string, now time.Time) bool { return !h.blocked[name] }

func (h *fakeHealth) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes[name]++
}

func (h *fakeHealth) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[name]++
}

func TestHealthTrackerFiltersChannels(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	channels, _ := quorumChannels(8, 2)
	health := newFakeHealth("failing-0", "failing-1")
	multi, err := NewMulti(channels, DefaultConfig(), testLogger(), WithHealthTracker(health))
	require.NoError(t, err)

	result, err := multi.Publish(context.Background(), signed(t, key, events.KindHeartbeat, 1, "sw", ""))
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 8)
	assert.Empty(t, result.Failed, "blocked channels are not attempted")
	assert.Equal(t, 1, health.successes["mem-healthy-0"])
	assert.Zero(t, health.failures["failing-0"])
}

func TestHealthTrackerFallsBackToAllChannels(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	channels, _ := quorumChannels(7, 0)
	var names []string
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	health := newFakeHealth(names...)
	multi, err := NewMulti(channels, DefaultConfig(), testLogger(), WithHealthTracker(health))
	require.NoError(t, err)

	result, err := multi.Publish(context.Background(), signed(t, key, events.KindHeartbeat, 1, "sw", ""))
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 7)
}

func TestHealthTrackerRetriesSkippedChannels(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		healthy int
		failing int
		blocked []string
		run     func(ctx context.Context, multi *Multi, ev *events.Event) error
	}{
		{
			// Five eligible channels with one failing leave publish one short.
			name:    "publish",
			healthy: 6,
			failing: 1,
			blocked: []string{"mem-healthy-0", "mem-healthy-1"},
			run: func(ctx context.Context, multi *Multi, ev *events.Event) error {
				result, err := multi.Publish(ctx, ev)
				if err == nil {
					assert.Len(t, result.Succeeded, 6)
					assert.Len(t, result.Failed, 1)
				}
				return err
			},
		},
		{
			name:    "fetch",
			healthy: 6,
			failing: 2,
			blocked: []string{"mem-healthy-0", "mem-healthy-1", "mem-healthy-2", "mem-healthy-3"},
			run: func(ctx context.Context, multi *Multi, ev *events.Event) error {
				evs, err := multi.Fetch(ctx, events.Filter{})
				if err == nil {
					require.Len(t, evs, 1)
					assert.Equal(t, ev.ID, evs[0].ID)
				}
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channels, mems := quorumChannels(tt.healthy, tt.failing)
			ev := signed(t, key, events.KindHeartbeat, 1, "sw", "")
			for _, mem := range mems {
				require.NoError(t, mem.Publish(context.Background(), ev))
			}

			health := newFakeHealth(tt.blocked...)
			multi, err := NewMulti(channels, DefaultConfig(), testLogger(), WithHealthTracker(health))
			require.NoError(t, err)

			require.NoError(t, tt.run(context.Background(), multi, ev))
			assert.Equal(t, 1, health.successes[tt.blocked[0]], "skipped channels are tried before giving up")
		})
	}
}

func TestHealthTrackerDoesNotRetryWhenQuorumReached(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	channels, _ := quorumChannels(6, 1)
	health := newFakeHealth("mem-healthy-0")
	multi, err := NewMulti(channels, DefaultConfig(), testLogger(), WithHealthTracker(health))
	require.NoError(t, err)

	result, err := multi.Publish(context.Background(), signed(t, key, events.KindHeartbeat, 1, "sw", ""))
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 5)
	assert.Zero(t, health.successes["mem-healthy-0"])
}

func TestStreamDeliversNewEventsOnce(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	channels, _ := quorumChannels(7, 0)
	multi, err := NewMulti(channels, DefaultConfig(), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var delivered []string
	done := make(chan error, 1)
	go func() {
		done <- multi.Stream(ctx, events.Filter{Kinds: []int{events.KindShareRelease}}, 10*time.Millisecond, func(ev *events.Event) {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, ev.ID)
		})
	}()

	ev := events.New(events.KindShareRelease, time.Unix(10, 0), events.SwitchTags("sw", 1), "")
	require.NoError(t, ev.Sign(key))
	_, err = multi.Publish(context.Background(), ev)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{ev.ID}, delivered)
}
