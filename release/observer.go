package release

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/lifecycle"
)

// StatusReport is an observer's view of a switch.
type StatusReport struct {
	Ref         string
	Switch      lifecycle.Switch
	Deadline    time.Time
	Remaining   time.Duration
	Released    []int
	Irrevocable bool
}

// switchView is everything published about one switch by one owner.
type switchView struct {
	sw        *lifecycle.Switch
	record    *messageRecord
	message   *events.Event
	heartbeat *events.Event
	releases  map[int]*events.Event
	acks      map[int]*events.Event
}

func (v *switchView) releasedIndices() []int {
	out := make([]int, 0, len(v.releases))
	for i := range v.releases {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

func (v *switchView) report(now time.Time) *StatusReport {
	return &StatusReport{
		Ref:         SwitchRef(v.sw.Owner, v.sw.ID),
		Switch:      *v.sw,
		Deadline:    v.sw.Deadline(),
		Remaining:   v.sw.Remaining(now),
		Released:    v.releasedIndices(),
		Irrevocable: len(v.releases) >= v.sw.Threshold,
	}
}

// selector narrows down the message-storage events considered for a switch.
type selector func(ev *events.Event, rec *messageRecord) bool

func byOwner(pubkey string) selector {
	return func(ev *events.Event, _ *messageRecord) bool { return ev.PubKey == pubkey }
}

func byRecipient(pubkey string) selector {
	return func(_ *events.Event, rec *messageRecord) bool { return rec.Recipient == pubkey }
}

func anyOwner(*events.Event, *messageRecord) bool { return true }

var errNoMatchingOwner = fmt.Errorf("%w: no record matches the given key", interfaces.ErrSwitchNotFound)

// candidates fetches every evaluated switch published under ref and accepted
// by sel. A reference naming an owner only accepts that owner's record.
func (s *Service) candidates(ctx context.Context, ref string, sel selector) ([]*switchView, error) {
	owner, switchID, err := ParseSwitchRef(ref)
	if err != nil {
		return nil, err
	}
	if switchID == "" {
		return nil, fmt.Errorf("%w: empty switch id", interfaces.ErrConfiguration)
	}

	evs, err := s.transport.Fetch(ctx, events.SwitchFilter(switchID,
		events.KindMessageStorage, events.KindHeartbeat, events.KindShareRelease, events.KindGuardianAck))
	if err != nil {
		return nil, err
	}

	var views []*switchView
	found := 0
	for _, ev := range evs {
		if ev.Kind != events.KindMessageStorage || ev.Tags.Value(events.TagAddress) != switchID {
			continue
		}
		rec, err := decodeMessageRecord(ev)
		if err != nil {
			s.log.Debug("Skipping message record", slog.String("switch_id", switchID), "err", err)
			continue
		}
		found++
		if (owner != "" && ev.PubKey != owner) || !sel(ev, rec) {
			continue
		}
		sw := rec.toSwitch(switchID, ev)
		if err := sw.Validate(); err != nil {
			s.log.Debug("Skipping invalid switch", slog.String("switch_id", switchID), "err", err)
			continue
		}
		view := &switchView{
			sw:       sw,
			record:   rec,
			message:  ev,
			releases: make(map[int]*events.Event),
			acks:     make(map[int]*events.Event),
		}
		s.collect(view, evs)
		s.evaluate(view)
		views = append(views, view)
	}

	switch {
	case len(views) > 0:
		return views, nil
	case found > 0:
		return nil, errNoMatchingOwner
	default:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSwitchNotFound, switchID)
	}
}

// load returns the single switch published under ref and accepted by sel.
// Several owners are ambiguous because anyone can publish under a known
// switch id; callers that hold a trusted key select by it instead.
func (s *Service) load(ctx context.Context, ref string, sel selector) (*switchView, error) {
	views, err := s.candidates(ctx, ref, sel)
	if err != nil {
		return nil, err
	}
	if len(views) > 1 {
		return nil, fmt.Errorf("%w: %d owners publish switch %s, use <owner>/<switch id>",
			interfaces.ErrSwitchNotFound, len(views), views[0].sw.ID)
	}
	return views[0], nil
}

// collect attaches the owner's latest heartbeat and the guardians' events.
// Releases must name the owner they were released for.
func (s *Service) collect(view *switchView, evs []*events.Event) {
	sw := view.sw
	for _, ev := range evs {
		switch ev.Kind {
		case events.KindHeartbeat:
			if ev.PubKey != sw.Owner || ev.Tags.Value(events.TagAddress) != sw.ID {
				continue
			}
			if view.heartbeat == nil || ev.CreatedAt > view.heartbeat.CreatedAt {
				view.heartbeat = ev
			}

		case events.KindShareRelease, events.KindGuardianAck:
			id, index, err := events.ParseAddress(ev.Tags.Value(events.TagAddress))
			if err != nil || id != sw.ID {
				continue
			}
			if ev.Kind == events.KindShareRelease && ev.Tags.Value(events.TagOwner) != sw.Owner {
				continue
			}
			g, ok := sw.Guardian(index)
			if !ok || g.PubKey != ev.PubKey {
				continue
			}
			if ev.Kind == events.KindShareRelease {
				view.releases[index] = ev
			} else {
				view.acks[index] = ev
			}
		}
	}
}

// evaluate derives the status from the collected events. Reaching the
// threshold of releases overrides any later heartbeat.
func (s *Service) evaluate(view *switchView) {
	now := s.now()
	sw := view.sw

	if hb := view.heartbeat; hb != nil {
		at := hb.Time()
		if at.After(now) {
			at = now
		}
		if at.After(sw.LastHeartbeatAt) {
			sw.LastHeartbeatAt = at
		}
		if hb.Tags.Value(events.TagStatus) == events.StatusCancelled {
			sw.Status = lifecycle.StatusCancelled
		}
	}

	if len(view.releases) >= sw.Threshold {
		sw.Status = lifecycle.StatusTriggered
		return
	}
	sw.Evaluate(now)
}

// GetStatus returns the independently evaluated status of a switch.
func (s *Service) GetStatus(ctx context.Context, switchID string) (*StatusReport, error) {
	view, err := s.load(ctx, switchID, anyOwner)
	if err != nil {
		return nil, err
	}
	return view.report(s.now()), nil
}

// GetOwnerStatus is GetStatus restricted to the switch published by owner.
func (s *Service) GetOwnerStatus(ctx context.Context, switchID, owner string) (*StatusReport, error) {
	view, err := s.load(ctx, switchID, byOwner(owner))
	if err != nil {
		return nil, err
	}
	return view.report(s.now()), nil
}

// Acknowledgements returns the share indices whose guardians confirmed receipt.
func (s *Service) Acknowledgements(ctx context.Context, switchID string) ([]int, error) {
	view, err := s.load(ctx, switchID, anyOwner)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(view.acks))
	for i, ack := range view.acks {
		if ack.Tags.Value(events.TagRecipient) == view.sw.Owner {
			out = append(out, i)
		}
	}
	slices.Sort(out)
	return out, nil
}
