package events

import (
	"fmt"
	"strconv"
	"strings"
)

// Event kinds of the switch protocol.
const (
	KindHeartbeat            = 30900
	KindShareStorage         = 30901
	KindShareRelease         = 30902
	KindMessageStorage       = 30903
	KindGuardianRegistration = 30904
	KindGuardianAck          = 30905
)

// Tag names.
const (
	TagAddress   = "d"
	TagSwitch    = "s"
	TagRecipient = "p"
	TagInterval  = "interval"
	TagStatus    = "status"
	TagOwner     = "owner"
)

// Heartbeat status values.
const (
	StatusArmed     = "armed"
	StatusCancelled = "cancelled"
)

// KindName returns a readable name for logging.
func KindName(kind int) string {
	switch kind {
	case KindHeartbeat:
		return "heartbeat"
	case KindShareStorage:
		return "share-storage"
	case KindShareRelease:
		return "share-release"
	case KindMessageStorage:
		return "message-storage"
	case KindGuardianRegistration:
		return "guardian-registration"
	case KindGuardianAck:
		return "guardian-ack"
	default:
		return strconv.Itoa(kind)
	}
}

// Address returns the d tag value for a switch or one of its fragments.
// Index 0 addresses the switch itself.
func Address(switchID string, index int) string {
	if index == 0 {
		return switchID
	}
	return switchID + ":" + strconv.Itoa(index)
}

// ParseAddress splits a d tag value into switch id and fragment index.
func ParseAddress(d string) (string, int, error) {
	switchID, idx, found := strings.Cut(d, ":")
	if !found {
		return d, 0, nil
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 1 {
		return "", 0, fmt.Errorf("invalid fragment address %q", d)
	}
	return switchID, index, nil
}

// SwitchTags returns the addressing tags shared by all switch events.
func SwitchTags(switchID string, index int) Tags {
	return Tags{
		{TagAddress, Address(switchID, index)},
		{TagSwitch, switchID},
	}
}
