package relayserver

import (
	"sync"

	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/metrics"
)

// subscriber receives live events for its open subscriptions.
type subscriber interface {
	deliver(subID string, ev *events.Event)
}

type subscription struct {
	owner   subscriber
	id      string
	filters []events.Filter
}

func (s *subscription) matches(ev *events.Event) bool {
	for _, f := range s.filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// hub fans newly stored events out to open subscriptions.
type hub struct {
	mu   sync.RWMutex
	subs map[subscriber]map[string]*subscription
}

func newHub() *hub {
	return &hub{subs: make(map[subscriber]map[string]*subscription)}
}

func (h *hub) subscribe(owner subscriber, id string, filters []events.Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID, ok := h.subs[owner]
	if !ok {
		byID = make(map[string]*subscription)
		h.subs[owner] = byID
	}
	if _, exists := byID[id]; !exists {
		metrics.RelaySubscriptions.Inc()
	}
	byID[id] = &subscription{owner: owner, id: id, filters: filters}
}

func (h *hub) unsubscribe(owner subscriber, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if byID, ok := h.subs[owner]; ok {
		if _, exists := byID[id]; exists {
			delete(byID, id)
			metrics.RelaySubscriptions.Dec()
		}
	}
}

func (h *hub) remove(owner subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	metrics.RelaySubscriptions.Sub(float64(len(h.subs[owner])))
	delete(h.subs, owner)
}

func (h *hub) broadcast(ev *events.Event) {
	h.mu.RLock()
	var targets []*subscription
	for _, byID := range h.subs {
		for _, sub := range byID {
			if sub.matches(ev) {
				targets = append(targets, sub)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.owner.deliver(sub.id, ev)
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, byID := range h.subs {
		n += len(byID)
	}
	return n
}
