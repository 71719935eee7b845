package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for invalid parameters detected at construction time.
	ErrConfiguration = errors.New("configuration error")

	// ErrAuthentication is returned when any cryptographic check fails.
	ErrAuthentication = errors.New("authentication failed")

	// ErrQuorum is returned when too few channels succeeded or responded.
	ErrQuorum = errors.New("quorum not reached")

	// ErrReconstruction is returned when shares cannot produce the secret.
	ErrReconstruction = errors.New("reconstruction failed")
)

var (
	// ErrWrongPassword means the passphrase did not derive the expected owner key.
	ErrWrongPassword = fmt.Errorf("%w: wrong password", ErrAuthentication)

	// ErrInvalidSignature means an event id or signature did not verify.
	ErrInvalidSignature = fmt.Errorf("%w: invalid event signature", ErrAuthentication)

	// ErrInsufficientShares means fewer valid shares than the threshold were available.
	ErrInsufficientShares = fmt.Errorf("%w: insufficient shares", ErrReconstruction)

	// ErrReconstructionMismatch means the combined secret failed the commitment check.
	ErrReconstructionMismatch = fmt.Errorf("%w: reconstructed secret does not match commitment", ErrReconstruction)

	// ErrCorruptedShare means a share's authentication tag did not verify.
	ErrCorruptedShare = fmt.Errorf("%w: corrupted share", ErrReconstruction)
)

var (
	// ErrSwitchNotFound is returned when no valid switch record could be located.
	ErrSwitchNotFound = errors.New("switch not found")

	// ErrNotTriggered is returned when a release is attempted before the deadline.
	ErrNotTriggered = errors.New("switch not yet triggered")

	// ErrAlreadyTriggered is returned when the owner checks in after the deadline.
	ErrAlreadyTriggered = errors.New("switch already triggered")

	// ErrSwitchTerminal is returned for any transition out of CANCELLED or RELEASED.
	ErrSwitchTerminal = errors.New("switch is in a terminal state")

	// ErrReleaseIrrevocable is returned when threshold shares are already public.
	ErrReleaseIrrevocable = errors.New("release is irrevocable: threshold shares already published")

	// ErrContentNotFound is returned when a channel holds no matching events.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a channel is not accessible.
	ErrBackendUnavailable = errors.New("channel unavailable")

	// ErrInvalidLocationURI is returned when a channel URI is malformed or unsupported.
	ErrInvalidLocationURI = fmt.Errorf("%w: invalid channel location URI", ErrConfiguration)
)

// UserMessage maps an error to the message shown to an end user. The four cases that
// require different user actions are kept distinct.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWrongPassword):
		return "wrong password"
	case errors.Is(err, ErrNotTriggered):
		return "not yet triggered"
	case errors.Is(err, ErrCorruptedShare):
		return "corrupted share detected"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient guardians responded"
	case errors.Is(err, ErrQuorum):
		return "not enough channels responded"
	case errors.Is(err, ErrAlreadyTriggered):
		return "switch already triggered"
	case errors.Is(err, ErrReleaseIrrevocable):
		return "release already irrevocable"
	case errors.Is(err, ErrSwitchNotFound):
		return "switch not found"
	case errors.Is(err, ErrConfiguration):
		return "invalid configuration"
	case errors.Is(err, ErrAuthentication):
		return "authentication failed"
	default:
		return "internal error"
	}
}
