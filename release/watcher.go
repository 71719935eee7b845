package release

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/lifecycle"
)

// Watcher is a guardian's polling loop. Each round it accepts new
// assignments, evaluates every assigned switch and releases the share of each
// triggered one.
type Watcher struct {
	svc      *Service
	guardian *events.PrivateKey
	log      *slog.Logger

	released map[string]bool
}

// NewWatcher creates a watcher acting with the guardian's key.
func NewWatcher(svc *Service, guardian *events.PrivateKey, log *slog.Logger) *Watcher {
	if log == nil {
		log = svc.log
	}
	return &Watcher{
		svc:      svc,
		guardian: guardian,
		log:      log.With(slog.String("guardian", guardian.PublicKeyHex())),
		released: make(map[string]bool),
	}
}

// PollResult summarizes one watcher round.
type PollResult struct {
	Assignments int
	Released    []string
}

// Poll runs a single round. Failures of individual switches are logged and
// retried on the next round.
func (w *Watcher) Poll(ctx context.Context) (*PollResult, error) {
	assignments, err := w.svc.AcceptAssignments(ctx, w.guardian)
	if err != nil {
		return nil, err
	}

	result := &PollResult{Assignments: len(assignments)}
	for _, a := range assignments {
		key := a.Owner + "/" + a.SwitchID
		if w.released[key] {
			continue
		}

		report, err := w.svc.GetOwnerStatus(ctx, a.SwitchID, a.Owner)
		if err != nil {
			w.log.Warn("Cannot evaluate switch", slog.String("switch_id", a.SwitchID), "err", err)
			continue
		}
		if report.Switch.Status != lifecycle.StatusTriggered {
			w.log.Debug("Switch not triggered",
				slog.String("switch_id", a.SwitchID),
				slog.String("status", string(report.Switch.Status)),
				slog.Duration("remaining", report.Remaining))
			continue
		}

		if _, err := w.svc.release(ctx, w.guardian, a); err != nil {
			if errors.Is(err, interfaces.ErrNotTriggered) {
				continue
			}
			w.log.Error("Release failed", slog.String("switch_id", a.SwitchID), "err", err)
			continue
		}
		w.released[key] = true
		result.Released = append(result.Released, a.SwitchID)
	}
	return result, nil
}

// Run polls every interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		result, err := w.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			w.log.Warn("Watcher round failed", "err", err)
		default:
			w.log.Debug("Watcher round",
				slog.Int("assignments", result.Assignments),
				slog.Int("released", len(result.Released)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
