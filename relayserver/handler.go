package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/eventstore"
	"github.com/ruteri/guardian-switch/metrics"
	"github.com/ruteri/guardian-switch/transport"
	"golang.org/x/time/rate"
)

const (
	// maxBodySize is the maximum allowed request body or frame size (256KB).
	maxBodySize = 256 * 1024

	// maxQueryLimit caps the number of events returned for one filter.
	maxQueryLimit = 5000

	// limiterIdleTTL is how long an unused client limiter is kept.
	limiterIdleTTL = 10 * time.Minute
)

// Store is the persistence used by the relay. Implemented by eventstore.Store.
type Store interface {
	Save(ev *events.Event) (eventstore.SaveResult, error)
	Query(ctx context.Context, filter events.Filter) ([]*events.Event, error)
}

// RateLimit configures per-client publish throttling. A zero Rate disables it.
type RateLimit struct {
	Rate  float64
	Burst int
}

// Handler accepts and serves events for both the HTTP API and websocket
// clients.
type Handler struct {
	store Store
	hub   *hub
	log   *slog.Logger

	limit     RateLimit
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewHandler creates a relay handler.
//
// Parameters:
//   - store: event persistence
//   - limit: per-client publish rate limit
//   - log: structured logger
func NewHandler(store Store, limit RateLimit, log *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		hub:      newHub(),
		log:      log,
		limit:    limit,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

func (l RateLimit) burst() int {
	return max(l.Burst, 1)
}

// idleTTL is the idle time after which a client's limiter is full again and
// can be dropped.
func (l RateLimit) idleTTL() time.Duration {
	refill := time.Duration(float64(l.burst()) / l.Rate * float64(time.Second))
	return max(refill, limiterIdleTTL)
}

// allow applies the publish rate limit of one client. Idle limiters are swept
// at most once per TTL.
func (h *Handler) allow(client string) bool {
	if h.limit.Rate <= 0 {
		return true
	}

	now := h.now()
	ttl := h.limit.idleTTL()

	h.mu.Lock()
	defer h.mu.Unlock()

	if now.Sub(h.lastSweep) > ttl {
		for k, e := range h.limiters {
			if now.Sub(e.lastSeen) > ttl {
				delete(h.limiters, k)
			}
		}
		h.lastSweep = now
	}

	e, ok := h.limiters[client]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(h.limit.Rate), h.limit.burst())}
		h.limiters[client] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// accept verifies, stores and broadcasts one event. The returned message
// follows the relay convention of a machine readable prefix.
func (h *Handler) accept(client string, ev *events.Event) (bool, string) {
	if ev == nil {
		return false, "invalid: missing event"
	}
	if !h.allow(client) {
		metrics.RelayEvents.WithLabelValues("rate_limited").Inc()
		return false, "rate-limited: slow down"
	}
	if err := ev.Verify(); err != nil {
		metrics.RelayEvents.WithLabelValues("invalid").Inc()
		h.log.Debug("Rejected event", slog.String("client", client), "err", err)
		return false, fmt.Sprintf("invalid: %v", err)
	}

	result, err := h.store.Save(ev)
	if err != nil {
		metrics.RelayEvents.WithLabelValues("error").Inc()
		h.log.Error("Failed to store event", slog.String("event_id", ev.ID), "err", err)
		return false, "error: could not store event"
	}
	metrics.RelayEvents.WithLabelValues(result.String()).Inc()

	switch result {
	case eventstore.Duplicate:
		return true, "duplicate: already have this event"
	case eventstore.Superseded:
		return true, "duplicate: a newer event exists at this address"
	}

	h.log.Debug("Stored event",
		slog.String("event_id", ev.ID),
		slog.String("kind", events.KindName(ev.Kind)),
		slog.String("client", client))
	h.hub.broadcast(ev)
	return true, ""
}

// query runs a filter against the store with the relay's limit applied.
func (h *Handler) query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	if filter.Limit <= 0 || filter.Limit > maxQueryLimit {
		filter.Limit = maxQueryLimit
	}
	return h.store.Query(ctx, filter)
}

// HandlePublish stores an event posted as JSON.
//
// URL format: POST /api/v1/events
// Request body: a signed event
// Response: transport.PublishResponse; rejected events are reported with
// accepted=false and status 200.
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodySize {
		http.Error(w, "Event too large", http.StatusRequestEntityTooLarge)
		return
	}

	var ev events.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "Invalid event JSON", http.StatusBadRequest)
		return
	}

	accepted, message := h.accept(clientAddr(r), &ev)
	writeJSON(w, h.log, transport.PublishResponse{ID: ev.ID, Accepted: accepted, Message: message})
}

// HandleQuery returns the stored events matching a posted filter, newest first.
//
// URL format: POST /api/v1/query
// Request body: a filter in relay wire form
// Response: JSON array of events
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var filter events.Filter
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&filter); err != nil {
		http.Error(w, "Invalid filter JSON", http.StatusBadRequest)
		return
	}

	evs, err := h.query(r.Context(), filter)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.log.Error("Query failed", "err", err)
		http.Error(w, "Query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, evs)
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
