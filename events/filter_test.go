package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	ev := New(KindShareRelease, time.Unix(1000, 0), Tags{
		{TagAddress, Address("sw", 2)},
		{TagSwitch, "sw"},
		{TagRecipient, "recipient"},
	}, "")
	require.NoError(t, ev.Sign(key))

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"kind", Filter{Kinds: []int{KindShareRelease}}, true},
		{"other kind", Filter{Kinds: []int{KindHeartbeat}}, false},
		{"author", Filter{Authors: []string{key.PublicKeyHex()}}, true},
		{"other author", Filter{Authors: []string{"beef"}}, false},
		{"id", Filter{IDs: []string{ev.ID}}, true},
		{"switch tag", SwitchFilter("sw", KindShareRelease), true},
		{"other switch", SwitchFilter("other"), false},
		{"recipient and switch", Filter{Tags: map[string][]string{"p": {"x", "recipient"}, "s": {"sw"}}}, true},
		{"since", Filter{Since: 1000}, true},
		{"since after", Filter{Since: 1001}, false},
		{"until before", Filter{Until: 999}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(ev))
		})
	}
}

func TestFilterJSON(t *testing.T) {
	f := Filter{
		Authors: []string{"aa"},
		Kinds:   []int{KindHeartbeat, KindMessageStorage},
		Tags:    map[string][]string{"s": {"sw"}},
		Since:   10,
		Limit:   5,
	}

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "#s")
	assert.NotContains(t, raw, "until")

	var decoded Filter
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, f, decoded)

	assert.Error(t, json.Unmarshal([]byte(`{"kinds":"x"}`), &decoded))
}

func TestMergeLatestWins(t *testing.T) {
	owner, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	mk := func(key *PrivateKey, at int64, content string) *Event {
		ev := New(KindHeartbeat, time.Unix(at, 0), SwitchTags("sw", 0), content)
		require.NoError(t, ev.Sign(key))
		return ev
	}

	old := mk(owner, 100, "old")
	newer := mk(owner, 200, "new")
	foreign := mk(other, 150, "foreign")

	merged := Merge([]*Event{old, newer, foreign, newer, nil, old})
	require.Len(t, merged, 2)
	assert.Equal(t, newer.ID, merged[0].ID)
	assert.Equal(t, foreign.ID, merged[1].ID)

	nonAddressable := &Event{ID: "1", Kind: 1, CreatedAt: 5}
	nonAddressable2 := &Event{ID: "2", Kind: 1, CreatedAt: 5}
	assert.Len(t, Merge([]*Event{nonAddressable, nonAddressable2}), 2)
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "sw", Address("sw", 0))
	assert.Equal(t, "sw:3", Address("sw", 3))

	id, idx, err := ParseAddress("sw:3")
	require.NoError(t, err)
	assert.Equal(t, "sw", id)
	assert.Equal(t, 3, idx)

	_, _, err = ParseAddress("sw:x")
	assert.Error(t, err)
}
