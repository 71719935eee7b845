package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/guardian-switch/cryptoutils"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/lifecycle"
	"github.com/ruteri/guardian-switch/sharing"
)

// CreateSwitchRequest describes a new switch.
type CreateSwitchRequest struct {
	Message         []byte
	Threshold       int
	Guardians       []string
	Recipient       string
	CheckInInterval time.Duration
}

// Validate checks the request before any key material is generated.
func (r *CreateSwitchRequest) Validate() error {
	n := len(r.Guardians)
	switch {
	case n < 2 || n > sharing.MaxShares:
		return fmt.Errorf("%w: need 2 to %d guardians, got %d", interfaces.ErrConfiguration, sharing.MaxShares, n)
	case r.Threshold < 2 || r.Threshold > n:
		return fmt.Errorf("%w: threshold must be between 2 and %d, got %d", interfaces.ErrConfiguration, n, r.Threshold)
	case r.CheckInInterval < time.Second:
		return fmt.Errorf("%w: check-in interval must be at least one second", interfaces.ErrConfiguration)
	case r.CheckInInterval%time.Second != 0:
		return fmt.Errorf("%w: check-in interval must be whole seconds", interfaces.ErrConfiguration)
	case !events.ValidPublicKey(r.Recipient):
		return fmt.Errorf("%w: invalid recipient key", interfaces.ErrConfiguration)
	}

	seen := make(map[string]bool, n)
	for _, g := range r.Guardians {
		if !events.ValidPublicKey(g) {
			return fmt.Errorf("%w: invalid guardian key %q", interfaces.ErrConfiguration, g)
		}
		if seen[g] {
			return fmt.Errorf("%w: duplicate guardian %s", interfaces.ErrConfiguration, g)
		}
		seen[g] = true
	}
	return nil
}

// CreateSwitchResult identifies a published switch.
type CreateSwitchResult struct {
	SwitchID string
	Owner    string
	// Ref is the owner-qualified reference observers should share.
	Ref    string
	Switch lifecycle.Switch
}

// ownerKey derives the owner's signing key for a switch.
func ownerKey(master *cryptoutils.MasterKey, switchID string) (*events.PrivateKey, error) {
	seed, err := master.ForSwitch(switchID).SigningKey()
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(seed)
	return events.PrivateKeyFromBytes(seed)
}

// CreateSwitch encrypts the message, splits its key among the guardians and
// publishes the switch. The encryption key and the shares are wiped before
// returning; the owner keeps no copy.
func (s *Service) CreateSwitch(ctx context.Context, master *cryptoutils.MasterKey, req CreateSwitchRequest) (*CreateSwitchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	switchID := uuid.NewString()
	keys := master.ForSwitch(switchID)
	signer, err := ownerKey(master, switchID)
	if err != nil {
		return nil, err
	}
	defer signer.Zero()

	encKey, err := cryptoutils.NewEncryptionKey()
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(encKey)

	ciphertext, iv, tag, err := cryptoutils.Encrypt(req.Message, encKey)
	if err != nil {
		return nil, err
	}

	n, m := len(req.Guardians), req.Threshold
	shares, commitment, err := sharing.Split(encKey, n, m, keys)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, share := range shares {
			cryptoutils.Wipe(share.Data)
		}
	}()

	exported, err := sharing.ExportKeys(keys, n)
	if err != nil {
		return nil, err
	}
	bundle, err := json.Marshal(exported)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(bundle)

	recipientPub, err := events.LiftPublicKey(req.Recipient)
	if err != nil {
		return nil, err
	}
	sealedBundle, err := cryptoutils.SealForRecipient(recipientPub, bundle)
	if err != nil {
		return nil, err
	}

	guardians := make([]lifecycle.Guardian, n)
	for i, g := range req.Guardians {
		guardians[i] = lifecycle.Guardian{Index: i + 1, PubKey: g}
	}

	interval := int64(req.CheckInInterval / time.Second)
	record := messageRecord{
		Version:    recordVersion,
		Ciphertext: ciphertext,
		IV:         iv,
		Tag:        tag,
		Commitment: commitment,
		Bundle:     sealedBundle,
		Threshold:  m,
		Interval:   interval,
		Recipient:  req.Recipient,
		Guardians:  guardians,
		KDF:        master.Params,
	}
	content, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	now := s.now()
	msgTags := append(events.SwitchTags(switchID, 0),
		events.Tag{events.TagRecipient, req.Recipient},
		events.Tag{events.TagInterval, strconv.FormatInt(interval, 10)})
	msgEvent, err := s.publish(ctx, signer, events.New(events.KindMessageStorage, now, msgTags, string(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to publish message record: %w", err)
	}

	for i, share := range shares {
		payload, err := json.Marshal(assignmentPayload{SwitchID: switchID, Recipient: req.Recipient, Share: share})
		if err != nil {
			return nil, err
		}
		sealed, err := sealTo(req.Guardians[i], payload)
		cryptoutils.Wipe(payload)
		if err != nil {
			return nil, err
		}

		tags := append(events.SwitchTags(switchID, share.Index), events.Tag{events.TagRecipient, req.Guardians[i]})
		if _, err := s.publish(ctx, signer, events.New(events.KindShareStorage, now, tags, sealed)); err != nil {
			return nil, fmt.Errorf("failed to publish share %d: %w", share.Index, err)
		}
	}

	if _, err := s.publishHeartbeat(ctx, signer, switchID, interval, events.StatusArmed, now, time.Time{}); err != nil {
		return nil, err
	}

	sw := record.toSwitch(switchID, msgEvent)
	s.log.Info("Switch created",
		slog.String("switch_id", switchID),
		slog.String("owner", signer.PublicKeyHex()),
		slog.Int("threshold", m),
		slog.Int("guardians", n),
		slog.Duration("interval", req.CheckInInterval))

	return &CreateSwitchResult{
		SwitchID: switchID,
		Owner:    signer.PublicKeyHex(),
		Ref:      SwitchRef(signer.PublicKeyHex(), switchID),
		Switch:   *sw,
	}, nil
}

// publishHeartbeat publishes an owner heartbeat. The timestamp is moved past
// prev so it supersedes the previous heartbeat under latest-wins.
func (s *Service) publishHeartbeat(ctx context.Context, signer *events.PrivateKey, switchID string, interval int64, status string, at, prev time.Time) (*events.Event, error) {
	at = at.Truncate(time.Second)
	if !prev.IsZero() && !at.After(prev) {
		at = prev.Add(time.Second)
	}

	tags := append(events.SwitchTags(switchID, 0),
		events.Tag{events.TagInterval, strconv.FormatInt(interval, 10)},
		events.Tag{events.TagStatus, status})
	ev, err := s.publish(ctx, signer, events.New(events.KindHeartbeat, at, tags, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	return ev, nil
}

// Unlock re-derives the master key of a switch from the owner's passphrase,
// using the KDF parameters published with the switch.
func (s *Service) Unlock(ctx context.Context, passphrase, ref string) (*cryptoutils.MasterKey, error) {
	owner, switchID, err := ParseSwitchRef(ref)
	if err != nil {
		return nil, err
	}
	evs, err := s.transport.Fetch(ctx, events.SwitchFilter(switchID, events.KindMessageStorage))
	if err != nil {
		return nil, err
	}

	found := false
	for _, ev := range evs {
		if ev.Tags.Value(events.TagAddress) != switchID || (owner != "" && ev.PubKey != owner) {
			continue
		}
		rec, err := decodeMessageRecord(ev)
		if err != nil {
			continue
		}
		found = true

		master, err := cryptoutils.DeriveMasterKey(passphrase, rec.KDF)
		if err != nil {
			s.log.Debug("Cannot derive master key", slog.String("event_id", ev.ID), "err", err)
			continue
		}
		signer, err := ownerKey(master, switchID)
		if err != nil {
			master.Wipe()
			return nil, err
		}
		match := signer.PublicKeyHex() == ev.PubKey
		signer.Zero()
		if match {
			return master, nil
		}
		master.Wipe()
	}

	if !found {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSwitchNotFound, switchID)
	}
	return nil, interfaces.ErrWrongPassword
}

// ownerView loads the switch owned by master, mapping a foreign owner to
// ErrWrongPassword.
func (s *Service) ownerView(ctx context.Context, master *cryptoutils.MasterKey, ref string) (*switchView, *events.PrivateKey, error) {
	_, switchID, err := ParseSwitchRef(ref)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ownerKey(master, switchID)
	if err != nil {
		return nil, nil, err
	}
	view, err := s.load(ctx, switchID, byOwner(signer.PublicKeyHex()))
	if err != nil {
		signer.Zero()
		if errors.Is(err, errNoMatchingOwner) {
			return nil, nil, interfaces.ErrWrongPassword
		}
		return nil, nil, err
	}
	return view, signer, nil
}

func (v *switchView) lastHeartbeat() time.Time {
	if v.heartbeat != nil {
		return v.heartbeat.Time()
	}
	return time.Time{}
}

func (v *switchView) interval() int64 {
	return int64(v.sw.CheckInInterval / time.Second)
}

// CheckIn publishes a heartbeat, pushing the deadline one interval ahead.
// It fails once the deadline has passed.
func (s *Service) CheckIn(ctx context.Context, master *cryptoutils.MasterKey, ref string) (*StatusReport, error) {
	view, signer, err := s.ownerView(ctx, master, ref)
	if err != nil {
		return nil, err
	}
	defer signer.Zero()

	now := s.now()
	if err := view.sw.CheckIn(now); err != nil {
		return nil, err
	}
	hb, err := s.publishHeartbeat(ctx, signer, view.sw.ID, view.interval(), events.StatusArmed, now, view.lastHeartbeat())
	if err != nil {
		return nil, err
	}
	view.sw.LastHeartbeatAt = hb.Time()

	s.log.Info("Checked in",
		slog.String("switch_id", view.sw.ID),
		slog.Time("deadline", view.sw.Deadline()))
	return view.report(now), nil
}

// Cancel disarms an armed switch permanently.
func (s *Service) Cancel(ctx context.Context, master *cryptoutils.MasterKey, ref string) (*StatusReport, error) {
	view, signer, err := s.ownerView(ctx, master, ref)
	if err != nil {
		return nil, err
	}
	defer signer.Zero()

	now := s.now()
	if err := view.sw.Cancel(now); err != nil {
		return nil, err
	}
	if _, err := s.publishHeartbeat(ctx, signer, view.sw.ID, view.interval(), events.StatusCancelled, now, view.lastHeartbeat()); err != nil {
		return nil, err
	}

	s.log.Info("Switch cancelled", slog.String("switch_id", view.sw.ID))
	return view.report(now), nil
}

// Revive re-arms a triggered switch while fewer than threshold shares have
// been released. Guardians that already released cannot take their share back.
func (s *Service) Revive(ctx context.Context, master *cryptoutils.MasterKey, ref string) (*StatusReport, error) {
	view, signer, err := s.ownerView(ctx, master, ref)
	if err != nil {
		return nil, err
	}
	defer signer.Zero()

	now := s.now()
	if err := view.sw.Revive(now, len(view.releases)); err != nil {
		return nil, err
	}
	hb, err := s.publishHeartbeat(ctx, signer, view.sw.ID, view.interval(), events.StatusArmed, now, view.lastHeartbeat())
	if err != nil {
		return nil, err
	}
	view.sw.LastHeartbeatAt = hb.Time()

	s.log.Warn("Switch revived",
		slog.String("switch_id", view.sw.ID),
		slog.Int("released", len(view.releases)),
		slog.Int("threshold", view.sw.Threshold))
	return view.report(now), nil
}
