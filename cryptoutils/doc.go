// Package cryptoutils implements the key hierarchy and symmetric primitives used
// by a guardian switch.
//
// # Key Hierarchy
//
// A master key is derived once from the owner's passphrase with a deliberately
// slow KDF (PBKDF2-SHA256 with 600 000 iterations by default, or Argon2id). The
// algorithm, iteration count and salt are recorded in KDFParams and published so
// the derivation can be repeated.
//
// Every working key is expanded from the master key with HKDF-SHA256 bound to a
// context label:
//
//	guardian-switch/v2/<switch-id>/<purpose>/<fragment>
//
// Two different labels yield independent keys even when the master key is shared
// across switches. Only version "v2" is accepted; unbound legacy derivations are
// rejected with interfaces.ErrConfiguration.
//
// SwitchKeys names the keys a switch needs:
//
//   - SigningKey: purpose "switch", fragment 0, the owner's event signing scalar
//   - CommitmentKey: purpose "fragment", fragment 0, authenticates the secret
//   - FragmentKey(i): purpose "fragment", fragment i, authenticates share i
//
// # Message Encryption
//
// Encrypt uses AES-256-GCM with a 12 byte IV drawn inside the call. Decrypt fails
// closed with interfaces.ErrAuthentication.
//
// # Sealing
//
// SealForRecipient and OpenSealed wrap go-ethereum's ECIES over secp256k1 so that
// shares and key bundles can be encrypted to the author key of a signed event.
package cryptoutils
