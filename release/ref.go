package release

import (
	"fmt"
	"strings"

	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
)

// SwitchRef returns the self-certifying reference <owner>/<switch id>.
// Anyone can publish a record under a known switch id, but only the owner
// can publish one under the owner's key.
func SwitchRef(owner, switchID string) string {
	return owner + "/" + switchID
}

// ParseSwitchRef accepts either a bare switch id or a reference made by
// SwitchRef. The owner is empty for a bare id.
func ParseSwitchRef(ref string) (owner, switchID string, err error) {
	owner, switchID, found := strings.Cut(ref, "/")
	if !found {
		return "", ref, nil
	}
	if !events.ValidPublicKey(owner) || switchID == "" || strings.Contains(switchID, "/") {
		return "", "", fmt.Errorf("%w: malformed switch reference %q", interfaces.ErrConfiguration, ref)
	}
	return owner, switchID, nil
}
