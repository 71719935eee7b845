package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ruteri/guardian-switch/interfaces"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of every symmetric key handled by this package.
	KeySize = 32

	// SaltSize is the size of the random salt drawn for a new master key.
	SaltSize = 16

	AlgorithmPBKDF2   = "pbkdf2-sha256"
	AlgorithmArgon2id = "argon2id"

	DefaultPBKDF2Iterations = 600_000
	MinPBKDF2Iterations     = 100_000

	DefaultArgon2Iterations = 3
	DefaultArgon2Memory     = 64 * 1024
	DefaultArgon2Threads    = 4
)

// Context key parameters.
const (
	ContextVersion = "v2"

	PurposeSwitch   = "switch"
	PurposeFragment = "fragment"

	contextPrefix = "guardian-switch"
)

// KDFParams records how a master key was derived so the derivation can be
// repeated identically. It is published alongside the switch.
type KDFParams struct {
	Algorithm  string `json:"algorithm"`
	Iterations uint32 `json:"iterations"`
	Salt       []byte `json:"salt"`
	Memory     uint32 `json:"memory,omitempty"`
	Threads    uint8  `json:"threads,omitempty"`
}

// DefaultKDFParams returns PBKDF2-SHA256 parameters with a fresh random salt.
func DefaultKDFParams() (KDFParams, error) {
	salt, err := RandomBytes(SaltSize)
	if err != nil {
		return KDFParams{}, err
	}
	return KDFParams{
		Algorithm:  AlgorithmPBKDF2,
		Iterations: DefaultPBKDF2Iterations,
		Salt:       salt,
	}, nil
}

// Argon2idKDFParams returns Argon2id parameters with a fresh random salt.
func Argon2idKDFParams() (KDFParams, error) {
	salt, err := RandomBytes(SaltSize)
	if err != nil {
		return KDFParams{}, err
	}
	return KDFParams{
		Algorithm:  AlgorithmArgon2id,
		Iterations: DefaultArgon2Iterations,
		Memory:     DefaultArgon2Memory,
		Threads:    DefaultArgon2Threads,
		Salt:       salt,
	}, nil
}

// Validate rejects parameters that are unknown or too weak.
func (p KDFParams) Validate() error {
	if len(p.Salt) < SaltSize {
		return fmt.Errorf("%w: salt must be at least %d bytes", interfaces.ErrConfiguration, SaltSize)
	}
	switch p.Algorithm {
	case AlgorithmPBKDF2:
		if p.Iterations < MinPBKDF2Iterations {
			return fmt.Errorf("%w: pbkdf2 iterations %d below minimum %d", interfaces.ErrConfiguration, p.Iterations, MinPBKDF2Iterations)
		}
	case AlgorithmArgon2id:
		if p.Iterations == 0 || p.Memory < 8*1024 || p.Threads == 0 {
			return fmt.Errorf("%w: invalid argon2id parameters", interfaces.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown kdf algorithm %q", interfaces.ErrConfiguration, p.Algorithm)
	}
	return nil
}

// MasterKey is the passphrase-derived root of the key hierarchy.
// It never leaves the owner's client.
type MasterKey struct {
	Key    []byte
	Params KDFParams
}

// NewMasterKey derives a master key from a passphrase and a freshly generated salt.
func NewMasterKey(passphrase string) (*MasterKey, error) {
	params, err := DefaultKDFParams()
	if err != nil {
		return nil, err
	}
	return DeriveMasterKey(passphrase, params)
}

// DeriveMasterKey repeats a master key derivation from stored parameters.
func DeriveMasterKey(passphrase string, params KDFParams) (*MasterKey, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", interfaces.ErrConfiguration)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var key []byte
	switch params.Algorithm {
	case AlgorithmPBKDF2:
		key = pbkdf2.Key([]byte(passphrase), params.Salt, int(params.Iterations), KeySize, sha256.New)
	case AlgorithmArgon2id:
		key = argon2.IDKey([]byte(passphrase), params.Salt, params.Iterations, params.Memory, params.Threads, KeySize)
	}

	return &MasterKey{Key: key, Params: params}, nil
}

// Wipe zeroes the master key material.
func (m *MasterKey) Wipe() {
	if m != nil {
		Wipe(m.Key)
	}
}

// Context identifies a single derived key.
type Context struct {
	Version  string
	SwitchID string
	Purpose  string
	Fragment int
}

// String returns the canonical context label fed to HKDF.
func (c Context) String() string {
	return strings.Join([]string{
		contextPrefix,
		c.Version,
		c.SwitchID,
		c.Purpose,
		strconv.Itoa(c.Fragment),
	}, "/")
}

// Validate checks that the context is fully bound.
func (c Context) Validate() error {
	if c.Version != ContextVersion {
		return fmt.Errorf("%w: unsupported key context version %q", interfaces.ErrConfiguration, c.Version)
	}
	if c.SwitchID == "" || strings.Contains(c.SwitchID, "/") {
		return fmt.Errorf("%w: invalid switch id %q", interfaces.ErrConfiguration, c.SwitchID)
	}
	if c.Purpose != PurposeSwitch && c.Purpose != PurposeFragment {
		return fmt.Errorf("%w: unknown key purpose %q", interfaces.ErrConfiguration, c.Purpose)
	}
	if c.Fragment < 0 || c.Fragment > 255 {
		return fmt.Errorf("%w: fragment index %d out of range", interfaces.ErrConfiguration, c.Fragment)
	}
	return nil
}

// DeriveContextKey expands the master key into a key bound to ctx.
// Distinct contexts yield independent keys.
func DeriveContextKey(master []byte, ctx Context) ([]byte, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", interfaces.ErrConfiguration, KeySize)
	}
	if err := ctx.Validate(); err != nil {
		return nil, err
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, master, []byte(ctx.String())), key); err != nil {
		return nil, fmt.Errorf("failed to expand context key: %w", err)
	}
	return key, nil
}

// SwitchKeys derives every per-switch key from one master key.
type SwitchKeys struct {
	master   []byte
	switchID string
}

// ForSwitch binds the master key to a switch identifier.
func (m *MasterKey) ForSwitch(switchID string) *SwitchKeys {
	return &SwitchKeys{master: m.Key, switchID: switchID}
}

// SwitchID returns the bound switch identifier.
func (k *SwitchKeys) SwitchID() string {
	return k.switchID
}

// SigningKey returns the secret scalar the owner signs this switch's events with.
func (k *SwitchKeys) SigningKey() ([]byte, error) {
	return k.derive(PurposeSwitch, 0)
}

// CommitmentKey returns the key authenticating the reconstructed secret.
func (k *SwitchKeys) CommitmentKey() ([]byte, error) {
	return k.derive(PurposeFragment, 0)
}

// FragmentKey returns the tag key for the share with the given 1-based index.
func (k *SwitchKeys) FragmentKey(index int) ([]byte, error) {
	if index < 1 {
		return nil, fmt.Errorf("%w: fragment index must be positive", interfaces.ErrConfiguration)
	}
	return k.derive(PurposeFragment, index)
}

func (k *SwitchKeys) derive(purpose string, fragment int) ([]byte, error) {
	return DeriveContextKey(k.master, Context{
		Version:  ContextVersion,
		SwitchID: k.switchID,
		Purpose:  purpose,
		Fragment: fragment,
	})
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// NewEncryptionKey returns a fresh random 256-bit message key.
func NewEncryptionKey() ([]byte, error) {
	return RandomBytes(KeySize)
}
