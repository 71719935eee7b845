package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/guardian-switch/cryptoutils"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/lifecycle"
	"github.com/ruteri/guardian-switch/metrics"
	"github.com/ruteri/guardian-switch/sharing"
)

// Assignment is a share entrusted to a guardian.
type Assignment struct {
	SwitchID  string
	Owner     string
	Recipient string
	Share     sharing.Share
	Event     *events.Event
}

// assignments opens the share-storage events addressed to guardian. An empty
// switchID returns the assignments of every switch.
func (s *Service) assignments(ctx context.Context, guardian *events.PrivateKey, switchID string) ([]Assignment, error) {
	filter := events.Filter{
		Kinds: []int{events.KindShareStorage},
		Tags:  map[string][]string{events.TagRecipient: {guardian.PublicKeyHex()}},
	}
	if switchID != "" {
		filter.Tags[events.TagSwitch] = []string{switchID}
	}

	evs, err := s.transport.Fetch(ctx, filter)
	if err != nil {
		return nil, err
	}

	var out []Assignment
	for _, ev := range evs {
		a, err := openAssignment(guardian, ev)
		if err != nil {
			s.log.Warn("Ignoring unreadable assignment",
				slog.String("event_id", ev.ID),
				slog.String("owner", ev.PubKey),
				"err", err)
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func openAssignment(guardian *events.PrivateKey, ev *events.Event) (*Assignment, error) {
	switchID, index, err := events.ParseAddress(ev.Tags.Value(events.TagAddress))
	if err != nil {
		return nil, err
	}
	if index == 0 || ev.Tags.Value(events.TagSwitch) != switchID {
		return nil, fmt.Errorf("share-storage event %s is not addressed to a fragment", ev.ID)
	}

	plaintext, err := openContent(guardian, ev.Content)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(plaintext)

	var payload assignmentPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed assignment", interfaces.ErrAuthentication)
	}
	if payload.SwitchID != switchID || payload.Share.Index != index {
		return nil, fmt.Errorf("%w: assignment does not match its address", interfaces.ErrAuthentication)
	}
	if !events.ValidPublicKey(payload.Recipient) {
		return nil, fmt.Errorf("%w: invalid recipient in assignment", interfaces.ErrAuthentication)
	}

	return &Assignment{
		SwitchID:  switchID,
		Owner:     ev.PubKey,
		Recipient: payload.Recipient,
		Share:     payload.Share,
		Event:     ev,
	}, nil
}

// AcceptAssignments returns the guardian's assignments and acknowledges the
// ones not acknowledged yet.
func (s *Service) AcceptAssignments(ctx context.Context, guardian *events.PrivateKey) ([]Assignment, error) {
	assignments, err := s.assignments(ctx, guardian, "")
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, nil
	}

	acked, err := s.transport.Fetch(ctx, events.Filter{
		Kinds:   []int{events.KindGuardianAck},
		Authors: []string{guardian.PublicKeyHex()},
	})
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(acked))
	for _, ack := range acked {
		done[ack.Tags.Value(events.TagAddress)+"/"+ack.Tags.Value(events.TagRecipient)] = true
	}

	for _, a := range assignments {
		d := events.Address(a.SwitchID, a.Share.Index)
		if done[d+"/"+a.Owner] {
			continue
		}
		tags := append(events.SwitchTags(a.SwitchID, a.Share.Index), events.Tag{events.TagRecipient, a.Owner})
		if _, err := s.publish(ctx, guardian, events.New(events.KindGuardianAck, s.now(), tags, "")); err != nil {
			return nil, fmt.Errorf("failed to acknowledge %s: %w", d, err)
		}
		s.log.Info("Accepted assignment",
			slog.String("switch_id", a.SwitchID),
			slog.Int("index", a.Share.Index),
			slog.String("owner", a.Owner))
	}
	return assignments, nil
}

// ReleaseGuardianShare publishes the guardian's share sealed to the recipient.
// The guardian evaluates the switch itself and refuses with ErrNotTriggered
// while the owner is still checking in.
func (s *Service) ReleaseGuardianShare(ctx context.Context, guardian *events.PrivateKey, ref string) (*events.Event, error) {
	owner, switchID, err := ParseSwitchRef(ref)
	if err != nil {
		return nil, err
	}
	assignments, err := s.assignments(ctx, guardian, switchID)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, fmt.Errorf("%w: no share held for %s", interfaces.ErrSwitchNotFound, switchID)
	}

	var errs []error
	for _, a := range assignments {
		if owner != "" && a.Owner != owner {
			continue
		}
		ev, err := s.release(ctx, guardian, a)
		if err == nil {
			return ev, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no share from %s held for %s", interfaces.ErrSwitchNotFound, owner, switchID)
	}
	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, errors.Join(errs...)
}

func (s *Service) release(ctx context.Context, guardian *events.PrivateKey, a Assignment) (*events.Event, error) {
	view, err := s.load(ctx, a.SwitchID, byOwner(a.Owner))
	if err != nil {
		return nil, err
	}
	sw := view.sw

	if sw.GuardianIndex(guardian.PublicKeyHex()) != a.Share.Index || sw.Recipient != a.Recipient {
		return nil, fmt.Errorf("%w: assignment does not match the switch record", interfaces.ErrAuthentication)
	}

	switch sw.Status {
	case lifecycle.StatusArmed:
		return nil, fmt.Errorf("%w: deadline %s", interfaces.ErrNotTriggered, sw.Deadline().UTC().Format("2006-01-02 15:04:05"))
	case lifecycle.StatusCancelled:
		return nil, fmt.Errorf("%w: switch cancelled", interfaces.ErrSwitchTerminal)
	}

	if existing, ok := view.releases[a.Share.Index]; ok {
		// Republish so the release stays available on every channel.
		if _, err := s.transport.Publish(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	payload, err := json.Marshal(a.Share)
	if err != nil {
		return nil, err
	}
	sealed, err := sealTo(a.Recipient, payload)
	cryptoutils.Wipe(payload)
	if err != nil {
		return nil, err
	}

	tags := append(events.SwitchTags(a.SwitchID, a.Share.Index),
		events.Tag{events.TagRecipient, a.Recipient},
		events.Tag{events.TagOwner, a.Owner})
	ev, err := s.publish(ctx, guardian, events.New(events.KindShareRelease, s.now(), tags, sealed))
	if err != nil {
		return nil, fmt.Errorf("failed to publish release: %w", err)
	}

	metrics.SharesReleased.Inc()
	s.log.Info("Released share",
		slog.String("switch_id", a.SwitchID),
		slog.Int("index", a.Share.Index),
		slog.Int("released", len(view.releases)+1),
		slog.Int("threshold", sw.Threshold))
	return ev, nil
}

// RegisterGuardian publishes the guardian's profile so owners can find it.
func (s *Service) RegisterGuardian(ctx context.Context, guardian *events.PrivateKey, profile GuardianProfile) (*events.Event, error) {
	if profile.Name == "" {
		return nil, fmt.Errorf("%w: guardian name required", interfaces.ErrConfiguration)
	}
	content, err := json.Marshal(profile)
	if err != nil {
		return nil, err
	}
	tags := events.Tags{{events.TagAddress, guardianProfileAddress}}
	return s.publish(ctx, guardian, events.New(events.KindGuardianRegistration, s.now(), tags, string(content)))
}

// ListGuardians returns the latest profile of every registered guardian,
// most recently updated first.
func (s *Service) ListGuardians(ctx context.Context) ([]GuardianProfile, error) {
	evs, err := s.transport.Fetch(ctx, events.Filter{
		Kinds: []int{events.KindGuardianRegistration},
		Tags:  map[string][]string{events.TagAddress: {guardianProfileAddress}},
	})
	if err != nil {
		return nil, err
	}

	out := make([]GuardianProfile, 0, len(evs))
	for _, ev := range evs {
		var p GuardianProfile
		if err := json.Unmarshal([]byte(ev.Content), &p); err != nil || p.Name == "" {
			continue
		}
		p.PubKey = ev.PubKey
		p.Registered = ev.Time()
		out = append(out, p)
	}
	return out, nil
}
