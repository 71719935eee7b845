package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func newSwitch() *Switch {
	return &Switch{
		ID:              "switch",
		CreatedAt:       t0,
		CheckInInterval: time.Hour,
		LastHeartbeatAt: t0,
		Threshold:       2,
		TotalShares:     3,
		Status:          StatusArmed,
		Guardians:       []Guardian{{1, "a"}, {2, "b"}, {3, "c"}},
	}
}

func TestEvaluateAroundDeadline(t *testing.T) {
	sw := newSwitch()
	require.NoError(t, sw.CheckIn(t0))

	assert.Equal(t, StatusArmed, sw.Evaluate(t0.Add(3599*time.Second)))
	assert.Equal(t, time.Second, sw.Remaining(t0.Add(3599*time.Second)))
	assert.Equal(t, StatusTriggered, sw.Evaluate(t0.Add(3601*time.Second)))
	assert.Zero(t, sw.Remaining(t0.Add(3601*time.Second)))

	// The trigger is sticky even if evaluated at an earlier time.
	assert.Equal(t, StatusTriggered, sw.Evaluate(t0))
}

func TestEvaluateAtExactDeadline(t *testing.T) {
	sw := newSwitch()
	assert.Equal(t, StatusTriggered, sw.Evaluate(t0.Add(time.Hour)))
}

func TestCheckIn(t *testing.T) {
	sw := newSwitch()
	require.NoError(t, sw.CheckIn(t0.Add(50*time.Minute)))
	assert.Equal(t, t0.Add(110*time.Minute), sw.Deadline())
	assert.Equal(t, StatusArmed, sw.Evaluate(t0.Add(100*time.Minute)))

	err := sw.CheckIn(t0.Add(3 * time.Hour))
	assert.True(t, errors.Is(err, interfaces.ErrAlreadyTriggered))
	assert.Equal(t, StatusTriggered, sw.Status)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		op      func(sw *Switch) error
		wantErr error
		want    Status
	}{
		{"cancel armed", StatusArmed, func(sw *Switch) error { return sw.Cancel(t0) }, nil, StatusCancelled},
		{"cancel triggered", StatusTriggered, func(sw *Switch) error { return sw.Cancel(t0) }, interfaces.ErrAlreadyTriggered, StatusTriggered},
		{"cancel cancelled", StatusCancelled, func(sw *Switch) error { return sw.Cancel(t0) }, interfaces.ErrSwitchTerminal, StatusCancelled},
		{"checkin released", StatusReleased, func(sw *Switch) error { return sw.CheckIn(t0) }, interfaces.ErrSwitchTerminal, StatusReleased},
		{"checkin cancelled", StatusCancelled, func(sw *Switch) error { return sw.CheckIn(t0) }, interfaces.ErrSwitchTerminal, StatusCancelled},
		{"revive below threshold", StatusTriggered, func(sw *Switch) error { return sw.Revive(t0, 1) }, nil, StatusArmed},
		{"revive at threshold", StatusTriggered, func(sw *Switch) error { return sw.Revive(t0, 2) }, interfaces.ErrReleaseIrrevocable, StatusTriggered},
		{"revive armed", StatusArmed, func(sw *Switch) error { return sw.Revive(t0, 0) }, nil, StatusArmed},
		{"revive released", StatusReleased, func(sw *Switch) error { return sw.Revive(t0, 0) }, interfaces.ErrSwitchTerminal, StatusReleased},
		{"release triggered", StatusTriggered, func(sw *Switch) error { return sw.MarkReleased() }, nil, StatusReleased},
		{"release armed", StatusArmed, func(sw *Switch) error { return sw.MarkReleased() }, interfaces.ErrNotTriggered, StatusArmed},
		{"release cancelled", StatusCancelled, func(sw *Switch) error { return sw.MarkReleased() }, interfaces.ErrSwitchTerminal, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := newSwitch()
			sw.Status = tt.status
			err := tt.op(sw)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, sw.Status)
			assert.Equal(t, tt.want.Terminal(), sw.Status.Terminal())
		})
	}
}

func TestReviveResetsDeadline(t *testing.T) {
	sw := newSwitch()
	late := t0.Add(2 * time.Hour)
	require.Equal(t, StatusTriggered, sw.Evaluate(late))
	require.NoError(t, sw.Revive(late, 1))
	assert.Equal(t, late.Add(time.Hour), sw.Deadline())
}

func TestValidate(t *testing.T) {
	require.NoError(t, newSwitch().Validate())

	tests := []struct {
		name   string
		mutate func(sw *Switch)
	}{
		{"empty id", func(sw *Switch) { sw.ID = "" }},
		{"zero interval", func(sw *Switch) { sw.CheckInInterval = 0 }},
		{"threshold one", func(sw *Switch) { sw.Threshold = 1 }},
		{"threshold above total", func(sw *Switch) { sw.Threshold = 4 }},
		{"guardian count", func(sw *Switch) { sw.Guardians = sw.Guardians[:2] }},
		{"duplicate guardian", func(sw *Switch) { sw.Guardians[2].PubKey = "a" }},
		{"bad index", func(sw *Switch) { sw.Guardians[0].Index = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := newSwitch()
			tt.mutate(sw)
			assert.True(t, errors.Is(sw.Validate(), interfaces.ErrConfiguration))
		})
	}
}

func TestGuardianLookup(t *testing.T) {
	sw := newSwitch()
	g, ok := sw.Guardian(2)
	require.True(t, ok)
	assert.Equal(t, "b", g.PubKey)
	_, ok = sw.Guardian(0)
	assert.False(t, ok)
	_, ok = sw.Guardian(4)
	assert.False(t, ok)

	assert.Equal(t, 3, sw.GuardianIndex("c"))
	assert.Zero(t, sw.GuardianIndex("z"))
}
