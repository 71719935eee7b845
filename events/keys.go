package events

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ruteri/guardian-switch/interfaces"
)

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// GenerateKey returns a new random key.
func GenerateKey() (*PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes parses a 32 byte scalar. Zero and values not below the
// curve order are rejected rather than reduced.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes", interfaces.ErrConfiguration)
	}
	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: private key out of range", interfaces.ErrConfiguration)
	}
	key, _ := btcec.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromHex parses a hex encoded 32 byte scalar.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key hex: %v", interfaces.ErrConfiguration, err)
	}
	return PrivateKeyFromBytes(b)
}

// PublicKeyHex returns the hex encoded x-only public key used as event author.
func (k *PrivateKey) PublicKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(k.key.PubKey()))
}

// Hex returns the hex encoded secret scalar.
func (k *PrivateKey) Hex() string {
	return hex.EncodeToString(k.key.Serialize())
}

// SealingScalar returns the scalar matching the even-y lift of the author key,
// i.e. the private key for data sealed to LiftPublicKey(k.PublicKeyHex()).
func (k *PrivateKey) SealingScalar() []byte {
	scalar := k.key.Key
	if k.key.PubKey().SerializeCompressed()[0] == 0x03 {
		scalar.Negate()
	}
	b := scalar.Bytes()
	return b[:]
}

// Zero clears the key from memory.
func (k *PrivateKey) Zero() {
	k.key.Zero()
}

// LiftPublicKey converts an x-only author key into the 65 byte uncompressed
// point with even y.
func LiftPublicKey(pubkeyHex string) ([]byte, error) {
	b, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(b) != schnorr.PubKeyBytesLen {
		return nil, fmt.Errorf("%w: malformed public key %q", interfaces.ErrConfiguration, pubkeyHex)
	}
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConfiguration, err)
	}
	return pub.SerializeUncompressed(), nil
}

// ValidPublicKey reports whether s is a hex encoded x-only key on the curve.
func ValidPublicKey(s string) bool {
	_, err := LiftPublicKey(s)
	return err == nil
}
