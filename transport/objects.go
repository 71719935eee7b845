package transport

import (
	"encoding/json"
	"path"

	"github.com/ruteri/guardian-switch/events"
)

// Object store channels keep one JSON document per event under
// <partition>/<event-id>.json, where the partition is the event's switch tag.

const globalPartition = "_global"

func partitionOf(ev *events.Event) string {
	if s := ev.Tags.Value(events.TagSwitch); s != "" && validPartition(s) {
		return s
	}
	return globalPartition
}

// queryPartitions returns the partitions a filter can match, or nil when every
// partition must be scanned.
func queryPartitions(filter events.Filter) []string {
	switches := filter.Tags[events.TagSwitch]
	if len(switches) == 0 {
		return nil
	}
	out := make([]string, 0, len(switches))
	for _, s := range switches {
		if validPartition(s) {
			out = append(out, s)
		}
	}
	return out
}

func validPartition(s string) bool {
	return s != "" && s != "." && s != ".." && path.Base(s) == s
}

func objectName(ev *events.Event) string {
	return path.Join(partitionOf(ev), ev.ID+".json")
}

// decodeMatching parses a stored event and reports whether it matches filter.
// Undecodable documents are skipped.
func decodeMatching(data []byte, filter events.Filter) (*events.Event, bool) {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false
	}
	if !filter.Matches(&ev) {
		return nil, false
	}
	return &ev, true
}

func finishQuery(out []*events.Event, filter events.Filter) []*events.Event {
	if out == nil {
		out = make([]*events.Event, 0)
	}
	events.SortNewestFirst(out)
	return filter.ApplyLimit(out)
}
