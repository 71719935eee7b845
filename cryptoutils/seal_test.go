package cryptoutils

import (
	"errors"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealAndOpen(t *testing.T) {
	recipient, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	intruder, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	pub := ethcrypto.FromECDSAPub(&recipient.PublicKey)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "Share", data: []byte{0x01, 0x02, 0x03}},
		{name: "JSON bundle", data: []byte(`{"commitment_key":"00"}`)},
		{name: "Long data", data: make([]byte, 4096)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := SealForRecipient(pub, tc.data)
			require.NoError(t, err)
			require.Greater(t, len(sealed), len(tc.data))

			opened, err := OpenSealed(ethcrypto.FromECDSA(recipient), sealed)
			require.NoError(t, err)
			assert.Equal(t, tc.data, opened)

			_, err = OpenSealed(ethcrypto.FromECDSA(intruder), sealed)
			assert.True(t, errors.Is(err, interfaces.ErrAuthentication))
		})
	}
}

func TestSealRejectsMalformedKey(t *testing.T) {
	_, err := SealForRecipient([]byte{0x04, 0x01}, []byte("x"))
	assert.True(t, errors.Is(err, interfaces.ErrConfiguration))
}
