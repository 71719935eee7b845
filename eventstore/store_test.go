package eventstore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/guardian-switch/events"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	s, err := Open(StoreConfig{Path: path, Logger: quiet}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func signed(t *testing.T, key *events.PrivateKey, kind int, at int64, tags events.Tags, content string) *events.Event {
	t.Helper()
	ev := events.New(kind, time.Unix(at, 0), tags, content)
	require.NoError(t, ev.Sign(key))
	return ev
}

func TestSaveAndQuery(t *testing.T) {
	s := newTestStore(t, "")
	key, err := events.GenerateKey()
	require.NoError(t, err)
	ctx := context.Background()

	msg := signed(t, key, events.KindMessageStorage, 10, events.SwitchTags("alpha", 0), "m")
	share := signed(t, key, events.KindShareStorage, 11, events.SwitchTags("alpha", 1), "s")
	other := signed(t, key, events.KindMessageStorage, 12, events.SwitchTags("beta", 0), "o")
	untagged := signed(t, key, 1, 13, nil, "plain")

	for _, ev := range []*events.Event{msg, share, other, untagged} {
		res, err := s.Save(ev)
		require.NoError(t, err)
		assert.Equal(t, Stored, res)
	}

	res, err := s.Save(msg)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	tests := []struct {
		name   string
		filter events.Filter
		want   []string
	}{
		{"by switch", events.SwitchFilter("alpha"), []string{share.ID, msg.ID}},
		{"by switch and kind", events.SwitchFilter("alpha", events.KindShareStorage), []string{share.ID}},
		{"by ids", events.Filter{IDs: []string{other.ID, "missing"}}, []string{other.ID}},
		{"scan", events.Filter{Kinds: []int{1}}, []string{untagged.ID}},
		{"limit", events.Filter{Limit: 2}, []string{untagged.ID, other.ID}},
		{"since", events.Filter{Since: 12}, []string{untagged.ID, other.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, ev := range got {
				ids = append(ids, ev.ID)
				assert.NoError(t, ev.Verify())
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestLatestWinsAtAddress(t *testing.T) {
	s := newTestStore(t, "")
	key, err := events.GenerateKey()
	require.NoError(t, err)

	first := signed(t, key, events.KindHeartbeat, 100, events.SwitchTags("sw", 0), "")
	second := signed(t, key, events.KindHeartbeat, 200, events.SwitchTags("sw", 0), "")
	stale := signed(t, key, events.KindHeartbeat, 150, events.SwitchTags("sw", 0), "")

	res, err := s.Save(first)
	require.NoError(t, err)
	assert.Equal(t, Stored, res)

	res, err = s.Save(second)
	require.NoError(t, err)
	assert.Equal(t, Stored, res)

	res, err = s.Save(stale)
	require.NoError(t, err)
	assert.Equal(t, Superseded, res)

	got, err := s.Query(context.Background(), events.SwitchFilter("sw"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)

	old, err := s.Get(first.ID)
	require.NoError(t, err)
	assert.Nil(t, old)

	// Different authors do not share an address.
	otherKey, err := events.GenerateKey()
	require.NoError(t, err)
	res, err = s.Save(signed(t, otherKey, events.KindHeartbeat, 50, events.SwitchTags("sw", 0), ""))
	require.NoError(t, err)
	assert.Equal(t, Stored, res)
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	key, err := events.GenerateKey()
	require.NoError(t, err)
	ev := signed(t, key, events.KindShareRelease, 5, events.SwitchTags("sw", 2), "x")

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	s, err := Open(StoreConfig{Path: dir, Logger: quiet, SyncWrites: true}, nil)
	require.NoError(t, err)
	_, err = s.Save(ev)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := newTestStore(t, dir)
	got, err := reopened.Get(ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ev.Content, got.Content)
}

func TestQueryCancelled(t *testing.T) {
	s := newTestStore(t, "")
	key, err := events.GenerateKey()
	require.NoError(t, err)
	_, err = s.Save(signed(t, key, 1, 1, nil, ""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Query(ctx, events.Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
