package lifecycle

import (
	"fmt"
	"time"

	"github.com/ruteri/guardian-switch/interfaces"
)

// Status is the lifecycle state of a switch.
type Status string

const (
	StatusArmed     Status = "ARMED"
	StatusTriggered Status = "TRIGGERED"
	StatusReleased  Status = "RELEASED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// Guardian is a share holder identified by its event author key.
type Guardian struct {
	Index  int    `json:"index"`
	PubKey string `json:"pubkey"`
}

// Switch is the owner's dead-man's switch.
type Switch struct {
	ID              string
	CreatedAt       time.Time
	CheckInInterval time.Duration
	LastHeartbeatAt time.Time
	Threshold       int
	TotalShares     int
	Status          Status
	Owner           string
	Recipient       string
	Guardians       []Guardian
}

// Validate checks the static parameters of the switch.
func (s *Switch) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty switch id", interfaces.ErrConfiguration)
	}
	if s.CheckInInterval <= 0 {
		return fmt.Errorf("%w: check-in interval must be positive", interfaces.ErrConfiguration)
	}
	if s.Threshold < 2 || s.Threshold > s.TotalShares {
		return fmt.Errorf("%w: threshold %d invalid for %d shares", interfaces.ErrConfiguration, s.Threshold, s.TotalShares)
	}
	if len(s.Guardians) != s.TotalShares {
		return fmt.Errorf("%w: %d guardians for %d shares", interfaces.ErrConfiguration, len(s.Guardians), s.TotalShares)
	}

	seen := make(map[string]bool, len(s.Guardians))
	for i, g := range s.Guardians {
		if g.Index != i+1 {
			return fmt.Errorf("%w: guardian %d has index %d", interfaces.ErrConfiguration, i+1, g.Index)
		}
		if seen[g.PubKey] {
			return fmt.Errorf("%w: duplicate guardian %s", interfaces.ErrConfiguration, g.PubKey)
		}
		seen[g.PubKey] = true
	}
	return nil
}

// Deadline is the instant the switch triggers without a further check-in.
func (s *Switch) Deadline() time.Time {
	return s.LastHeartbeatAt.Add(s.CheckInInterval)
}

// Remaining returns the time left before the deadline, or zero.
func (s *Switch) Remaining(now time.Time) time.Duration {
	if d := s.Deadline().Sub(now); d > 0 {
		return d
	}
	return 0
}

// Evaluate moves an armed switch to TRIGGERED once now reaches the deadline
// and returns the resulting status.
func (s *Switch) Evaluate(now time.Time) Status {
	if s.Status == StatusArmed && !now.Before(s.Deadline()) {
		s.Status = StatusTriggered
	}
	return s.Status
}

// CheckIn records a heartbeat at now. Only an armed switch before its
// deadline accepts one.
func (s *Switch) CheckIn(now time.Time) error {
	switch s.Evaluate(now) {
	case StatusArmed:
		s.LastHeartbeatAt = now
		return nil
	case StatusTriggered:
		return fmt.Errorf("%w: deadline was %s", interfaces.ErrAlreadyTriggered, s.Deadline().UTC().Format(time.RFC3339))
	default:
		return fmt.Errorf("%w: %s", interfaces.ErrSwitchTerminal, s.Status)
	}
}

// Cancel disarms the switch permanently.
func (s *Switch) Cancel(now time.Time) error {
	switch s.Evaluate(now) {
	case StatusArmed:
		s.Status = StatusCancelled
		return nil
	case StatusTriggered:
		return fmt.Errorf("%w: cannot cancel", interfaces.ErrAlreadyTriggered)
	default:
		return fmt.Errorf("%w: %s", interfaces.ErrSwitchTerminal, s.Status)
	}
}

// Revive re-arms a triggered switch. Once released shares reach the
// threshold anyone holding them can reconstruct the key, so the trigger can no
// longer be undone.
func (s *Switch) Revive(now time.Time, released int) error {
	switch s.Evaluate(now) {
	case StatusArmed:
		return s.CheckIn(now)
	case StatusTriggered:
		if released >= s.Threshold {
			return fmt.Errorf("%w: %d of %d shares released", interfaces.ErrReleaseIrrevocable, released, s.Threshold)
		}
		s.Status = StatusArmed
		s.LastHeartbeatAt = now
		return nil
	default:
		return fmt.Errorf("%w: %s", interfaces.ErrSwitchTerminal, s.Status)
	}
}

// MarkReleased records a successful reconstruction.
func (s *Switch) MarkReleased() error {
	switch s.Status {
	case StatusTriggered, StatusReleased:
		s.Status = StatusReleased
		return nil
	case StatusArmed:
		return interfaces.ErrNotTriggered
	default:
		return fmt.Errorf("%w: %s", interfaces.ErrSwitchTerminal, s.Status)
	}
}

// Guardian returns the guardian holding share index.
func (s *Switch) Guardian(index int) (Guardian, bool) {
	if index < 1 || index > len(s.Guardians) {
		return Guardian{}, false
	}
	return s.Guardians[index-1], true
}

// GuardianIndex returns the share index held by pubkey, or 0.
func (s *Switch) GuardianIndex(pubkey string) int {
	for _, g := range s.Guardians {
		if g.PubKey == pubkey {
			return g.Index
		}
	}
	return 0
}
