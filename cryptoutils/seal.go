package cryptoutils

import (
	"crypto/rand"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ruteri/guardian-switch/interfaces"
)

var sealLabel = []byte("guardian-switch/seal/v2")

// SealForRecipient encrypts data to a secp256k1 public key using ECIES.
// The public key is the 65-byte uncompressed encoding. A fresh ephemeral key
// is generated for each call.
func SealForRecipient(publicKey []byte, data []byte) ([]byte, error) {
	pub, err := ethcrypto.UnmarshalPubkey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid recipient public key: %v", interfaces.ErrConfiguration, err)
	}

	sealed, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), data, sealLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	return sealed, nil
}

// OpenSealed decrypts data sealed with SealForRecipient using the recipient's
// 32-byte secret scalar. Any failure is reported as ErrAuthentication.
func OpenSealed(scalar []byte, sealed []byte) ([]byte, error) {
	priv, err := ethcrypto.ToECDSA(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key: %v", interfaces.ErrConfiguration, err)
	}

	data, err := ecies.ImportECDSA(priv).Decrypt(sealed, sealLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open sealed data: %v", interfaces.ErrAuthentication, err)
	}
	return data, nil
}
