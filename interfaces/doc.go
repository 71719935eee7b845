// Package interfaces defines the shared error taxonomy and small value types used
// across the guardian switch packages.
//
// The package is a leaf: it imports nothing from this module so that every other
// package (cryptoutils, sharing, events, transport, lifecycle, release) can depend on it
// without creating import cycles.
//
// # Error Taxonomy
//
// Four root categories are defined. Every error produced by the protocol wraps exactly
// one of them, so callers can branch with errors.Is:
//
//   - ErrConfiguration: invalid threshold/total, malformed channel list, bad key sizes.
//     Rejected at construction time, never silently clamped.
//   - ErrAuthentication: AEAD tag mismatch, bad event signature, wrong password.
//     Always fails closed.
//   - ErrQuorum: fewer channels succeeded or responded than the configured quorum.
//     The caller may retry with different channels.
//   - ErrReconstruction: insufficient or inconsistent shares.
//
// Refinements such as ErrWrongPassword, ErrInsufficientShares, ErrCorruptedShare and
// ErrNotTriggered wrap a root category and carry the distinction needed to show a
// different message to the user (see UserMessage).
//
// # Channel Locations
//
// ChannelLocation is the parsed form of a channel URI, for example:
//
//	wss://relay.example.com
//	s3://bucket/prefix/?region=us-west-2
//	vault://vault.example.com:8200/secret/switches
//	ipfs://127.0.0.1:5001/guardian-switch
//	file:///var/lib/guardian-switch/events
//	dnstxt://relays.example.com
package interfaces
