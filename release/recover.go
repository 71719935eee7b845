package release

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/guardian-switch/cryptoutils"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/sharing"
)

// RecoverMessage combines the released shares and decrypts the message. Fewer
// than threshold valid releases fail with ErrInsufficientShares; nothing is
// ever partially decrypted. Every record addressed to the recipient is tried,
// most released first, so a forged copy under the same switch id cannot
// shadow the real one.
func (s *Service) RecoverMessage(ctx context.Context, recipient *events.PrivateKey, switchID string) ([]byte, error) {
	views, err := s.candidates(ctx, switchID, byRecipient(recipient.PublicKeyHex()))
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(views, func(a, b *switchView) int {
		return len(b.releases) - len(a.releases)
	})

	var first error
	for _, view := range views {
		plaintext, err := s.recoverView(recipient, view)
		if err == nil {
			return plaintext, nil
		}
		if first == nil {
			first = err
		}
		if len(views) > 1 {
			s.log.Debug("Candidate record did not recover",
				slog.String("switch_id", view.sw.ID),
				slog.String("owner", view.sw.Owner),
				"err", err)
		}
	}
	return nil, first
}

func (s *Service) recoverView(recipient *events.PrivateKey, view *switchView) ([]byte, error) {
	rec := view.record
	switchID := view.sw.ID

	bundle, err := cryptoutils.OpenSealed(recipient.SealingScalar(), rec.Bundle)
	if err != nil {
		return nil, err
	}
	var keys sharing.StaticKeys
	err = json.Unmarshal(bundle, &keys)
	cryptoutils.Wipe(bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed key bundle", interfaces.ErrAuthentication)
	}
	defer func() {
		for _, k := range keys.Fragments {
			cryptoutils.Wipe(k)
		}
		cryptoutils.Wipe(keys.Commitment)
	}()

	shares := make([]sharing.Share, 0, len(view.releases))
	for _, index := range view.releasedIndices() {
		share, err := openRelease(recipient, view.releases[index], index)
		if err != nil {
			s.log.Warn("Unreadable share release",
				slog.String("switch_id", switchID),
				slog.Int("index", index),
				"err", err)
			// An empty share is rejected by Combine and reported as corrupted.
			share = sharing.Share{Index: index}
		}
		shares = append(shares, share)
	}
	defer func() {
		for _, share := range shares {
			cryptoutils.Wipe(share.Data)
		}
	}()

	secret, err := sharing.Combine(shares, rec.Threshold, &keys, rec.Commitment)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(secret)

	plaintext, err := cryptoutils.Decrypt(rec.Ciphertext, secret, rec.IV, rec.Tag)
	if err != nil {
		return nil, err
	}

	if err := view.sw.MarkReleased(); err != nil {
		s.log.Warn("Recovered before the switch triggered",
			slog.String("switch_id", switchID), "err", err)
	}
	s.log.Info("Message recovered",
		slog.String("switch_id", switchID),
		slog.Int("shares", len(shares)))
	return plaintext, nil
}

func openRelease(recipient *events.PrivateKey, ev *events.Event, index int) (sharing.Share, error) {
	plaintext, err := openContent(recipient, ev.Content)
	if err != nil {
		return sharing.Share{}, err
	}
	defer cryptoutils.Wipe(plaintext)

	var share sharing.Share
	if err := json.Unmarshal(plaintext, &share); err != nil {
		return sharing.Share{}, fmt.Errorf("%w: malformed share", interfaces.ErrCorruptedShare)
	}
	if share.Index != index {
		return sharing.Share{}, fmt.Errorf("%w: share %d released under index %d", interfaces.ErrCorruptedShare, share.Index, index)
	}
	return share, nil
}
