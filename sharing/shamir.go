package sharing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/guardian-switch/cryptoutils"
	"github.com/ruteri/guardian-switch/interfaces"
)

// SecretSize is the only accepted secret length.
const SecretSize = 32

// MaxShares is the largest N supported by the GF(2^8) field.
const MaxShares = 255

// Share is one authenticated point of a threshold split.
type Share struct {
	Index int    `json:"index"`
	Data  []byte `json:"data"`
	Tag   []byte `json:"tag"`
}

// TagKeys provides the keys authenticating shares and the reconstructed secret.
type TagKeys interface {
	FragmentKey(index int) ([]byte, error)
	CommitmentKey() ([]byte, error)
}

// StaticKeys is a TagKeys holding exported key material.
type StaticKeys struct {
	Fragments  map[int][]byte `json:"fragments"`
	Commitment []byte         `json:"commitment"`
}

// FragmentKey implements TagKeys.
func (k *StaticKeys) FragmentKey(index int) ([]byte, error) {
	key, ok := k.Fragments[index]
	if !ok {
		return nil, fmt.Errorf("%w: no tag key for fragment %d", interfaces.ErrConfiguration, index)
	}
	return key, nil
}

// CommitmentKey implements TagKeys.
func (k *StaticKeys) CommitmentKey() ([]byte, error) {
	if len(k.Commitment) == 0 {
		return nil, fmt.Errorf("%w: no commitment key", interfaces.ErrConfiguration)
	}
	return k.Commitment, nil
}

// ExportKeys copies the tag keys for fragments 1..n into a StaticKeys.
func ExportKeys(keys TagKeys, n int) (*StaticKeys, error) {
	out := &StaticKeys{Fragments: make(map[int][]byte, n)}
	for i := 1; i <= n; i++ {
		key, err := keys.FragmentKey(i)
		if err != nil {
			return nil, err
		}
		out.Fragments[i] = key
	}
	commitment, err := keys.CommitmentKey()
	if err != nil {
		return nil, err
	}
	out.Commitment = commitment
	return out, nil
}

// Split divides secret into n tagged shares with threshold m and returns the
// shares together with the commitment to the secret.
// m = 1 yields n tagged copies of the secret.
func Split(secret []byte, n, m int, keys TagKeys) ([]Share, []byte, error) {
	if len(secret) != SecretSize {
		return nil, nil, fmt.Errorf("%w: secret must be %d bytes", interfaces.ErrConfiguration, SecretSize)
	}
	if m < 1 || m > n || n > MaxShares {
		return nil, nil, fmt.Errorf("%w: invalid threshold %d of %d", interfaces.ErrConfiguration, m, n)
	}

	var parts [][]byte
	if m == 1 {
		parts = make([][]byte, n)
		for i := range parts {
			parts[i] = append([]byte(nil), secret...)
		}
	} else {
		var err error
		parts, err = shamir.Split(secret, n, m)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: failed to split secret: %v", interfaces.ErrConfiguration, err)
		}
	}

	shares := make([]Share, n)
	for i, part := range parts {
		share := Share{Index: i + 1, Data: part}
		tag, err := share.computeTag(keys)
		if err != nil {
			return nil, nil, err
		}
		share.Tag = tag
		shares[i] = share
	}

	commitment, err := Commit(secret, keys)
	if err != nil {
		return nil, nil, err
	}
	return shares, commitment, nil
}

// Commit computes the authentication value of a secret.
func Commit(secret []byte, keys TagKeys) ([]byte, error) {
	key, err := keys.CommitmentKey()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("commitment"))
	mac.Write(secret)
	return mac.Sum(nil), nil
}

// Verify checks the share's tag.
func (s Share) Verify(keys TagKeys) error {
	if len(s.Tag) == 0 || len(s.Data) == 0 {
		return fmt.Errorf("%w: share %d is empty", interfaces.ErrCorruptedShare, s.Index)
	}
	tag, err := s.computeTag(keys)
	if err != nil {
		return err
	}
	if !hmac.Equal(tag, s.Tag) {
		return fmt.Errorf("%w: tag mismatch for share %d", interfaces.ErrCorruptedShare, s.Index)
	}
	return nil
}

func (s Share) computeTag(keys TagKeys) ([]byte, error) {
	key, err := keys.FragmentKey(s.Index)
	if err != nil {
		return nil, err
	}
	var index [4]byte
	binary.BigEndian.PutUint32(index[:], uint32(s.Index))

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("share"))
	mac.Write(index[:])
	mac.Write(s.Data)
	return mac.Sum(nil), nil
}

// Filter separates shares with valid tags from the rest. Duplicate indices keep
// the first valid share. Rejected returns the indices of dropped shares.
func Filter(shares []Share, keys TagKeys) (valid []Share, rejected []int) {
	seen := make(map[int]bool, len(shares))
	for _, share := range shares {
		if seen[share.Index] {
			continue
		}
		if err := share.Verify(keys); err != nil {
			rejected = append(rejected, share.Index)
			continue
		}
		seen[share.Index] = true
		valid = append(valid, share)
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Index < valid[j].Index })
	return valid, rejected
}

// Combine reconstructs the secret from at least m shares with valid tags and
// checks it against commitment. It never returns a secret that fails the
// commitment check.
func Combine(shares []Share, m int, keys TagKeys, commitment []byte) ([]byte, error) {
	if m < 1 || m > MaxShares {
		return nil, fmt.Errorf("%w: invalid threshold %d", interfaces.ErrConfiguration, m)
	}

	valid, rejected := Filter(shares, keys)
	if len(valid) < m {
		if len(rejected) > 0 {
			return nil, fmt.Errorf("%w: %d of %d required shares valid, rejected %v: %w",
				interfaces.ErrInsufficientShares, len(valid), m, rejected, interfaces.ErrCorruptedShare)
		}
		return nil, fmt.Errorf("%w: %d of %d required shares", interfaces.ErrInsufficientShares, len(valid), m)
	}

	var secret []byte
	if m == 1 {
		secret = append([]byte(nil), valid[0].Data...)
	} else {
		parts := make([][]byte, len(valid))
		for i, share := range valid {
			parts[i] = share.Data
		}
		var err error
		secret, err = shamir.Combine(parts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrReconstructionMismatch, err)
		}
	}

	expected, err := Commit(secret, keys)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(expected, commitment) {
		cryptoutils.Wipe(secret)
		return nil, interfaces.ErrReconstructionMismatch
	}
	return secret, nil
}
