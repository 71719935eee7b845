// Package events defines the signed event that carries every piece of switch
// state across channels.
//
// # Wire Format
//
// An event is the JSON object
//
//	{"id": hex64, "pubkey": hex64, "created_at": unix-seconds, "kind": int,
//	 "tags": [[string, ...], ...], "content": string, "sig": hex128}
//
// The id is the SHA-256 of the canonical array
//
//	[0,"<pubkey>",<created_at>,<kind>,<tags>,"<content>"]
//
// written without whitespace. Strings escape only the quote, the backslash and
// the control characters \n \r \t \b \f; any other control character is written
// as \u00XX and every other character as raw UTF-8. Any third party can recompute
// the id from the wire object alone.
//
// The signature is a BIP-340 Schnorr signature over the 32 byte id, made with a
// secp256k1 key whose 32 byte x-only public key is the pubkey field.
//
// # Kinds
//
// Switch events use the addressable range 30900-30905. For addressable kinds the
// newest event per (kind, pubkey, d tag) supersedes older ones; see Merge.
package events
