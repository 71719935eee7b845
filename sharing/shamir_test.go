package sharing

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/ruteri/guardian-switch/cryptoutils"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testKeys(t testing.TB) *cryptoutils.SwitchKeys {
	master := make([]byte, cryptoutils.KeySize)
	_, err := rand.Read(master)
	require.NoError(t, err)
	return (&cryptoutils.MasterKey{Key: master}).ForSwitch("test-switch")
}

func testSecret(t testing.TB) []byte {
	secret := make([]byte, SecretSize)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return secret
}

// subsets calls fn with every k-element subset of shares.
func subsets(shares []Share, k int, fn func([]Share)) {
	var rec func(start int, picked []Share)
	rec = func(start int, picked []Share) {
		if len(picked) == k {
			fn(append([]Share(nil), picked...))
			return
		}
		for i := start; i < len(shares); i++ {
			rec(i+1, append(picked, shares[i]))
		}
	}
	rec(0, nil)
}

func TestSplitValidation(t *testing.T) {
	keys := testKeys(t)
	secret := testSecret(t)

	tests := []struct {
		name   string
		secret []byte
		n, m   int
	}{
		{"threshold above total", secret, 3, 4},
		{"zero threshold", secret, 3, 0},
		{"short secret", secret[:16], 5, 3},
		{"too many shares", secret, 256, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Split(tt.secret, tt.n, tt.m, keys)
			assert.True(t, errors.Is(err, interfaces.ErrConfiguration))
		})
	}
}

func TestCombineEverySubset(t *testing.T) {
	keys := testKeys(t)
	secret := testSecret(t)

	shares, commitment, err := Split(secret, 5, 3, keys)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	count := 0
	subsets(shares, 3, func(subset []Share) {
		got, err := Combine(subset, 3, keys, commitment)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
		count++
	})
	assert.Equal(t, 10, count)

	got, err := Combine(shares, 3, keys, commitment)
	require.NoError(t, err)
	assert.Equal(t, secret, got, "all shares together must also reconstruct")
}

func TestCombineBelowThreshold(t *testing.T) {
	keys := testKeys(t)
	shares, commitment, err := Split(testSecret(t), 5, 3, keys)
	require.NoError(t, err)

	for k := 0; k < 3; k++ {
		subsets(shares, k, func(subset []Share) {
			got, err := Combine(subset, 3, keys, commitment)
			assert.Nil(t, got)
			assert.True(t, errors.Is(err, interfaces.ErrInsufficientShares))
			assert.True(t, errors.Is(err, interfaces.ErrReconstruction))
		})
	}
}

func TestCombineUnderstatedThreshold(t *testing.T) {
	keys := testKeys(t)
	shares, commitment, err := Split(testSecret(t), 5, 3, keys)
	require.NoError(t, err)

	// Two shares interpolated as if the threshold were 2 give a wrong secret.
	got, err := Combine(shares[:2], 2, keys, commitment)
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, interfaces.ErrReconstructionMismatch))
}

func TestCombineDropsCorruptedShares(t *testing.T) {
	keys := testKeys(t)
	secret := testSecret(t)
	shares, commitment, err := Split(secret, 5, 3, keys)
	require.NoError(t, err)

	corrupted := append([]Share(nil), shares...)
	corrupted[0].Data = append([]byte(nil), shares[0].Data...)
	corrupted[0].Data[0] ^= 0x80

	got, err := Combine(corrupted, 3, keys, commitment)
	require.NoError(t, err, "four intact shares remain")
	assert.Equal(t, secret, got)

	valid, rejected := Filter(corrupted, keys)
	assert.Len(t, valid, 4)
	assert.Equal(t, []int{1}, rejected)

	_, err = Combine(corrupted[:3], 3, keys, commitment)
	assert.True(t, errors.Is(err, interfaces.ErrInsufficientShares))
	assert.True(t, errors.Is(err, interfaces.ErrCorruptedShare))
	assert.Equal(t, "corrupted share detected", interfaces.UserMessage(err))
}

func TestCombineRejectsSubstitutedShare(t *testing.T) {
	keys := testKeys(t)
	shares, commitment, err := Split(testSecret(t), 3, 2, keys)
	require.NoError(t, err)

	other, _, err := Split(testSecret(t), 3, 2, keys)
	require.NoError(t, err)

	// A share with a valid tag from another split is authentic but inconsistent.
	got, err := Combine([]Share{shares[0], other[1]}, 2, keys, commitment)
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, interfaces.ErrReconstructionMismatch))

	// A share moved to another index fails its tag.
	moved := shares[1]
	moved.Index = 3
	_, err = Combine([]Share{shares[0], moved}, 2, keys, commitment)
	assert.True(t, errors.Is(err, interfaces.ErrCorruptedShare))
}

func TestThresholdOfOne(t *testing.T) {
	keys := testKeys(t)
	secret := testSecret(t)

	shares, commitment, err := Split(secret, 4, 1, keys)
	require.NoError(t, err)
	for _, share := range shares {
		assert.Equal(t, secret, share.Data)
		got, err := Combine([]Share{share}, 1, keys, commitment)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	}
}

func TestMismatchLeavesCallerSharesIntact(t *testing.T) {
	keys := testKeys(t)
	_, commitment, err := Split(testSecret(t), 3, 1, keys)
	require.NoError(t, err)

	otherSecret := testSecret(t)
	other, _, err := Split(otherSecret, 3, 1, keys)
	require.NoError(t, err)

	// The rejected reconstruction is wiped, not the share it was copied from.
	got, err := Combine([]Share{other[0]}, 1, keys, commitment)
	assert.Nil(t, got)
	require.True(t, errors.Is(err, interfaces.ErrReconstructionMismatch))
	assert.Equal(t, otherSecret, other[0].Data)
}

func TestThresholdEqualsTotal(t *testing.T) {
	keys := testKeys(t)
	secret := testSecret(t)

	shares, commitment, err := Split(secret, 4, 4, keys)
	require.NoError(t, err)

	got, err := Combine(shares, 4, keys, commitment)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, err = Combine(shares[1:], 4, keys, commitment)
	assert.True(t, errors.Is(err, interfaces.ErrInsufficientShares))
}

func TestExportedKeysVerifyShares(t *testing.T) {
	keys := testKeys(t)
	secret := testSecret(t)
	shares, commitment, err := Split(secret, 5, 3, keys)
	require.NoError(t, err)

	exported, err := ExportKeys(keys, 5)
	require.NoError(t, err)

	got, err := Combine(shares[2:], 3, exported, commitment)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestSplitCombineProperty(t *testing.T) {
	keys := testKeys(t)

	rapid.Check(t, func(rt *rapid.T) {
		secret := rapid.SliceOfN(rapid.Byte(), SecretSize, SecretSize).Draw(rt, "secret")
		n := rapid.IntRange(2, 7).Draw(rt, "n")
		m := rapid.IntRange(2, n).Draw(rt, "m")

		shares, commitment, err := Split(secret, n, m, keys)
		if err != nil {
			rt.Fatalf("split: %v", err)
		}

		subsets(shares, m, func(subset []Share) {
			got, err := Combine(subset, m, keys, commitment)
			if err != nil {
				rt.Fatalf("combine %d of %d: %v", m, n, err)
			}
			if !bytes.Equal(got, secret) {
				rt.Fatalf("combine %d of %d returned wrong secret", m, n)
			}
		})

		fewer := rapid.IntRange(0, m-1).Draw(rt, "fewer")
		subsets(shares, fewer, func(subset []Share) {
			got, err := Combine(subset, m, keys, commitment)
			if !errors.Is(err, interfaces.ErrReconstruction) || got != nil {
				rt.Fatalf("combine with %d of %d shares must fail, got %v", fewer, m, err)
			}
		})
	})
}
