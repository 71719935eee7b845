package interfaces

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelLocation(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		scheme  string
		wantErr bool
	}{
		{name: "websocket relay", uri: "wss://relay.example.com", scheme: "wss"},
		{name: "s3 with region", uri: "s3://bucket/prefix/?region=eu-west-1", scheme: "s3"},
		{name: "memory", uri: "mem://a", scheme: "mem"},
		{name: "file", uri: "file:///tmp/events", scheme: "file"},
		{name: "upper case scheme", uri: "WSS://relay.example.com", scheme: "wss"},
		{name: "unsupported", uri: "ftp://example.com", wantErr: true},
		{name: "empty", uri: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := NewChannelLocation(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidLocationURI))
				assert.True(t, errors.Is(err, ErrConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, loc.Scheme)
			assert.Equal(t, tt.uri, loc.String())
		})
	}
}

func TestChannelLocationRedacted(t *testing.T) {
	loc, err := NewChannelLocation("s3://AKIA:secret@bucket/prefix")
	require.NoError(t, err)
	assert.NotContains(t, loc.Redacted(), "secret")
	assert.Equal(t, "AKIA", loc.Auth.Username())
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("checkin: %w", ErrWrongPassword), "wrong password"},
		{fmt.Errorf("release: %w", ErrNotTriggered), "not yet triggered"},
		{fmt.Errorf("%w: 1 of 3 valid: %w", ErrInsufficientShares, ErrCorruptedShare), "corrupted share detected"},
		{ErrInsufficientShares, "insufficient guardians responded"},
		{ErrQuorum, "not enough channels responded"},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UserMessage(tt.err))
	}

	assert.True(t, errors.Is(ErrWrongPassword, ErrAuthentication))
	assert.True(t, errors.Is(ErrCorruptedShare, ErrReconstruction))
	assert.True(t, errors.Is(ErrReconstructionMismatch, ErrReconstruction))
}
