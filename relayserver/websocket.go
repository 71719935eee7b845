package relayserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/transport"
	"golang.org/x/net/websocket"
)

const (
	// maxSubscriptionsPerClient bounds the open REQs of one connection.
	maxSubscriptionsPerClient = 32
	// outboundQueueSize bounds the frames waiting for a slow reader.
	outboundQueueSize = 256
	writeWait         = 10 * time.Second
)

// client is one websocket connection. A single writer goroutine owns the
// socket; live deliveries from other connections only enqueue frames and a
// client whose queue is full is disconnected.
type client struct {
	conn *websocket.Conn
	addr string
	log  *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	subs map[string]bool
}

func newClient(conn *websocket.Conn, log *slog.Logger) *client {
	return &client{
		conn: conn,
		addr: clientAddr(conn.Request()),
		log:  log,
		out:  make(chan []byte, outboundQueueSize),
		done: make(chan struct{}),
		subs: make(map[string]bool),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writeLoop() {
	for {
		select {
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := websocket.Message.Send(c.conn, string(data)); err != nil {
				c.log.Debug("Failed to write frame", slog.String("client", c.addr), "err", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func encodeFrame(log *slog.Logger, env transport.Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error("Failed to encode frame", slog.String("type", env.Type), "err", err)
		return nil
	}
	return data
}

// send queues a reply to the client's own frame. It waits for room in the
// queue, which only holds up this connection's reader.
func (c *client) send(env transport.Envelope) {
	data := encodeFrame(c.log, env)
	if data == nil {
		return
	}
	select {
	case c.out <- data:
	case <-c.done:
	}
}

// deliver queues a live event without blocking the publisher.
func (c *client) deliver(subID string, ev *events.Event) {
	data := encodeFrame(c.log, transport.Envelope{Type: transport.MsgEvent, SubscriptionID: subID, Event: ev})
	if data == nil {
		return
	}
	select {
	case c.out <- data:
	case <-c.done:
	default:
		c.log.Warn("Subscriber too slow, disconnecting", slog.String("client", c.addr))
		c.close()
	}
}

func (c *client) notice(msg string) {
	c.send(transport.Envelope{Type: transport.MsgNotice, Message: msg})
}

// WebsocketHandler returns the http.Handler serving the frame protocol.
func (h *Handler) WebsocketHandler() http.Handler {
	return websocket.Server{
		// Relays accept connections from any origin.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   h.serveConn,
	}
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	conn.MaxPayloadBytes = maxBodySize
	c := newClient(conn, h.log)
	defer func() {
		h.hub.remove(c)
		c.close()
	}()
	go c.writeLoop()

	for {
		var raw string
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.Debug("Websocket receive failed", slog.String("client", c.addr), "err", err)
			}
			return
		}

		env, err := transport.ParseEnvelope([]byte(raw))
		if err != nil {
			c.notice("invalid: " + err.Error())
			continue
		}
		h.handleFrame(c, env)
	}
}

func (h *Handler) handleFrame(c *client, env *transport.Envelope) {
	ctx := c.conn.Request().Context()

	switch env.Type {
	case transport.MsgEvent:
		accepted, message := h.accept(c.addr, env.Event)
		c.send(transport.Envelope{Type: transport.MsgOK, EventID: env.Event.ID, Accepted: accepted, Message: message})

	case transport.MsgReq:
		if env.SubscriptionID == "" {
			c.notice("invalid: missing subscription id")
			return
		}
		if len(env.Filters) == 0 {
			env.Filters = []events.Filter{{}}
		}
		if !c.subs[env.SubscriptionID] && len(c.subs) >= maxSubscriptionsPerClient {
			c.notice("rate-limited: too many subscriptions")
			return
		}

		var stored []*events.Event
		for _, f := range env.Filters {
			evs, err := h.query(ctx, f)
			if err != nil {
				h.log.Error("Query failed", slog.String("client", c.addr), "err", err)
				c.notice("error: query failed")
				return
			}
			stored = append(stored, evs...)
		}
		for _, ev := range dedupe(stored) {
			c.send(transport.Envelope{Type: transport.MsgEvent, SubscriptionID: env.SubscriptionID, Event: ev})
		}
		c.send(transport.Envelope{Type: transport.MsgEOSE, SubscriptionID: env.SubscriptionID})

		h.hub.subscribe(c, env.SubscriptionID, env.Filters)
		c.subs[env.SubscriptionID] = true

	case transport.MsgClose:
		h.hub.unsubscribe(c, env.SubscriptionID)
		delete(c.subs, env.SubscriptionID)

	default:
		c.notice("invalid: unsupported message " + env.Type)
	}
}

func dedupe(evs []*events.Event) []*events.Event {
	seen := make(map[string]bool, len(evs))
	out := evs[:0]
	for _, ev := range evs {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	return out
}
