package transport

import (
	"context"

	"github.com/ruteri/guardian-switch/events"
)

// Channel is a single publish/subscribe broadcast node. Channels are untrusted:
// they may drop, delay or fabricate events, and callers verify everything they
// receive.
type Channel interface {
	// Publish stores a signed event on the channel.
	Publish(ctx context.Context, ev *events.Event) error

	// Query returns the events matching filter. No match is an empty result,
	// not an error.
	Query(ctx context.Context, filter events.Filter) ([]*events.Event, error)

	// Available reports whether the channel currently responds.
	Available(ctx context.Context) bool

	// Name returns a short identifier used for logging and health bookkeeping.
	Name() string

	// LocationURI returns the URI the channel was created from.
	LocationURI() string
}
