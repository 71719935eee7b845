package events

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Filter selects events. Empty fields match everything. Tags holds single
// letter or named tag constraints and is serialized with a "#" prefix.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   int64
	Until   int64
	Limit   int
}

// Matches reports whether e satisfies every constraint of the filter.
func (f Filter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && e.CreatedAt > f.Until {
		return false
	}
	for key, wanted := range f.Tags {
		if len(wanted) == 0 {
			continue
		}
		matched := false
		for _, v := range e.Tags.Values(key) {
			if slices.Contains(wanted, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the filter in relay wire form.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 7+len(f.Tags))
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for key, values := range f.Tags {
		m["#"+key] = values
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if f.Until > 0 {
		m["until"] = f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the relay wire form.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			err = json.Unmarshal(value, &f.Since)
		case key == "until":
			err = json.Unmarshal(value, &f.Until)
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			err = json.Unmarshal(value, &values)
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = values
		}
		if err != nil {
			return fmt.Errorf("invalid filter field %q: %w", key, err)
		}
	}
	return nil
}

// SwitchFilter selects events of the given kinds belonging to a switch.
func SwitchFilter(switchID string, kinds ...int) Filter {
	return Filter{
		Kinds: kinds,
		Tags:  map[string][]string{TagSwitch: {switchID}},
	}
}
