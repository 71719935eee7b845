package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"golang.org/x/net/websocket"
)

// ErrRejected is returned when a relay answers OK=false to a published event.
var ErrRejected = errors.New("event rejected by relay")

// RelayChannel talks the websocket relay protocol. Each operation uses its own
// connection, which is closed when the operation returns or ctx is cancelled.
type RelayChannel struct {
	url         string
	origin      string
	dialRetries uint64
	log         *slog.Logger
}

// NewRelayChannel creates a channel for a ws:// or wss:// relay URL.
func NewRelayChannel(relayURL string, log *slog.Logger) (*RelayChannel, error) {
	u, err := url.Parse(relayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid relay URL %q", interfaces.ErrInvalidLocationURI, relayURL)
	}

	origin := "http://" + u.Host
	if u.Scheme == "wss" {
		origin = "https://" + u.Host
	}

	return &RelayChannel{
		url:         relayURL,
		origin:      origin,
		dialRetries: 2,
		log:         log,
	}, nil
}

// Publish sends the event and waits for the relay's OK.
func (c *RelayChannel) Publish(ctx context.Context, ev *events.Event) error {
	return c.exchange(ctx, Envelope{Type: MsgEvent, Event: ev}, func(env *Envelope) (bool, error) {
		if env.Type != MsgOK || env.EventID != ev.ID {
			return false, nil
		}
		if !env.Accepted {
			return true, fmt.Errorf("%w: %s", ErrRejected, env.Message)
		}
		return true, nil
	})
}

// Query opens a subscription and collects events until end of stored events.
func (c *RelayChannel) Query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	subID := uuid.NewString()
	out := make([]*events.Event, 0)

	err := c.exchange(ctx, Envelope{Type: MsgReq, SubscriptionID: subID, Filters: []events.Filter{filter}}, func(env *Envelope) (bool, error) {
		if env.SubscriptionID != subID {
			return false, nil
		}
		switch env.Type {
		case MsgEvent:
			out = append(out, env.Event)
		case MsgEOSE:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Available reports whether a websocket connection can be opened.
func (c *RelayChannel) Available(ctx context.Context) bool {
	conn, err := c.dial(ctx)
	if err != nil {
		c.log.Debug("Relay unavailable", slog.String("relay", c.url), "err", err)
		return false
	}
	conn.Close()
	return true
}

// Name returns a unique identifier for this channel.
func (c *RelayChannel) Name() string {
	return "relay-" + c.url
}

// LocationURI returns the relay URL.
func (c *RelayChannel) LocationURI() string {
	return c.url
}

func (c *RelayChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	config, err := websocket.NewConfig(c.url, c.origin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var conn *websocket.Conn
	err = backoff.Retry(func() error {
		var err error
		conn, err = config.DialContext(ctx)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.dialRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return conn, nil
}

// exchange sends one frame and feeds every answer to handle until it reports done.
func (c *RelayChannel) exchange(ctx context.Context, req Envelope, handle func(*Envelope) (bool, error)) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", req.Type, err)
	}
	if err := websocket.Message.Send(conn, string(data)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to send %s: %w", req.Type, err)
	}

	for {
		var raw string
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to receive from relay: %w", err)
		}

		env, err := ParseEnvelope([]byte(raw))
		if err != nil {
			c.log.Debug("Ignoring malformed relay message", slog.String("relay", c.url), "err", err)
			continue
		}
		if env.Type == MsgNotice {
			c.log.Debug("Relay notice", slog.String("relay", c.url), slog.String("message", env.Message))
			continue
		}

		done, err := handle(env)
		if done || err != nil {
			if req.Type == MsgReq {
				closeFrame, _ := json.Marshal(Envelope{Type: MsgClose, SubscriptionID: req.SubscriptionID})
				_ = websocket.Message.Send(conn, string(closeFrame))
			}
			return err
		}
	}
}
