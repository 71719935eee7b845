package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/guardian-switch/events"
)

// MemoryChannel is an in-process relay. It keeps every event it receives and
// answers queries from memory.
type MemoryChannel struct {
	mu     sync.RWMutex
	name   string
	events map[string]*events.Event
	down   bool
}

// NewMemoryChannel creates an empty in-process channel.
func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{
		name:   name,
		events: make(map[string]*events.Event),
	}
}

// Publish stores the event. Republishing the same id is a no-op.
func (c *MemoryChannel) Publish(ctx context.Context, ev *events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return fmt.Errorf("%s: channel down", c.name)
	}

	stored := *ev
	stored.Tags = append(events.Tags(nil), ev.Tags...)
	c.events[ev.ID] = &stored
	return nil
}

// Query returns copies of the matching events, newest first.
func (c *MemoryChannel) Query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.down {
		return nil, fmt.Errorf("%s: channel down", c.name)
	}

	out := make([]*events.Event, 0)
	for _, ev := range c.events {
		if filter.Matches(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	events.SortNewestFirst(out)
	return filter.ApplyLimit(out), nil
}

// Available reports whether the channel is up.
func (c *MemoryChannel) Available(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.down && ctx.Err() == nil
}

// SetDown simulates an outage.
func (c *MemoryChannel) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// Len returns the number of stored events.
func (c *MemoryChannel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Inject stores an event without any checks. Used to simulate a dishonest relay.
func (c *MemoryChannel) Inject(ev *events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[ev.ID] = ev
}

// Name returns the channel name.
func (c *MemoryChannel) Name() string {
	return "mem-" + c.name
}

// LocationURI returns the channel URI.
func (c *MemoryChannel) LocationURI() string {
	return "mem://" + c.name
}
