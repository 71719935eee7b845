// Package sharing splits a 32 byte secret into N authenticated shares so that any
// M of them reconstruct it.
//
// The polynomial arithmetic is github.com/hashicorp/vault/shamir over GF(2^8),
// applied byte by byte. Each share carries an HMAC-SHA256 tag under its own
// fragment key; shares whose tag does not verify are dropped before interpolation.
// The reconstructed secret is checked against a commitment computed under a
// separate commitment key, so a reconstruction from inconsistent shares is
// reported instead of returned.
//
// Tag keys come from a TagKeys implementation. The owner derives them from the
// master key (cryptoutils.SwitchKeys); the recipient receives a StaticKeys bundle.
package sharing
