package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/guardian-switch/events"
)

// Relay message types.
const (
	MsgEvent  = "EVENT"
	MsgReq    = "REQ"
	MsgClose  = "CLOSE"
	MsgOK     = "OK"
	MsgEOSE   = "EOSE"
	MsgNotice = "NOTICE"
)

var errMalformedEnvelope = errors.New("malformed relay message")

// Envelope is one relay protocol frame.
//
//	client -> relay: ["EVENT", ev] ["REQ", sub, filter...] ["CLOSE", sub]
//	relay -> client: ["EVENT", sub, ev] ["OK", id, accepted, msg] ["EOSE", sub] ["NOTICE", msg]
type Envelope struct {
	Type           string
	SubscriptionID string
	Event          *events.Event
	Filters        []events.Filter
	EventID        string
	Accepted       bool
	Message        string
}

// MarshalJSON encodes the frame as a JSON array.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var frame []any
	switch e.Type {
	case MsgEvent:
		if e.SubscriptionID != "" {
			frame = []any{e.Type, e.SubscriptionID, e.Event}
		} else {
			frame = []any{e.Type, e.Event}
		}
	case MsgReq:
		frame = []any{e.Type, e.SubscriptionID}
		for _, f := range e.Filters {
			frame = append(frame, f)
		}
	case MsgClose, MsgEOSE:
		frame = []any{e.Type, e.SubscriptionID}
	case MsgOK:
		frame = []any{e.Type, e.EventID, e.Accepted, e.Message}
	case MsgNotice:
		frame = []any{e.Type, e.Message}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", errMalformedEnvelope, e.Type)
	}
	return json.Marshal(frame)
}

// ParseEnvelope decodes a relay frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	if len(parts) < 2 {
		return nil, errMalformedEnvelope
	}

	env := &Envelope{}
	if err := json.Unmarshal(parts[0], &env.Type); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}

	var err error
	switch env.Type {
	case MsgEvent:
		if len(parts) == 2 {
			err = json.Unmarshal(parts[1], &env.Event)
		} else {
			err = errors.Join(
				json.Unmarshal(parts[1], &env.SubscriptionID),
				json.Unmarshal(parts[2], &env.Event),
			)
		}
		if err == nil && env.Event == nil {
			err = errMalformedEnvelope
		}
	case MsgReq:
		err = json.Unmarshal(parts[1], &env.SubscriptionID)
		for _, raw := range parts[2:] {
			var f events.Filter
			if err == nil {
				err = json.Unmarshal(raw, &f)
			}
			env.Filters = append(env.Filters, f)
		}
	case MsgClose, MsgEOSE:
		err = json.Unmarshal(parts[1], &env.SubscriptionID)
	case MsgOK:
		if len(parts) < 3 {
			return nil, errMalformedEnvelope
		}
		err = errors.Join(
			json.Unmarshal(parts[1], &env.EventID),
			json.Unmarshal(parts[2], &env.Accepted),
		)
		if len(parts) > 3 && err == nil {
			err = json.Unmarshal(parts[3], &env.Message)
		}
	case MsgNotice:
		err = json.Unmarshal(parts[1], &env.Message)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", errMalformedEnvelope, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	return env, nil
}
