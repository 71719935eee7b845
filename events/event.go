package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ruteri/guardian-switch/interfaces"
)

// Tag is a single event tag such as ["d", "switch-id"].
type Tag []string

// Key returns the tag name.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first tag value.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the ordered tag list of an event.
type Tags []Tag

// Value returns the value of the first tag named key.
func (tags Tags) Value(key string) string {
	for _, t := range tags {
		if t.Key() == key {
			return t.Value()
		}
	}
	return ""
}

// Values returns the values of every tag named key.
func (tags Tags) Values(key string) []string {
	var out []string
	for _, t := range tags {
		if t.Key() == key && len(t) > 1 {
			out = append(out, t[1])
		}
	}
	return out
}

// Event is a signed, immutable unit of transport.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// New returns an unsigned event.
func New(kind int, createdAt time.Time, tags Tags, content string) *Event {
	if tags == nil {
		tags = Tags{}
	}
	return &Event{
		CreatedAt: createdAt.Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

// ComputeID returns the SHA-256 of the canonical serialization.
func (e *Event) ComputeID() [32]byte {
	return sha256.Sum256(e.Serialize())
}

// Sign sets the author, id and signature of the event.
func (e *Event) Sign(key *PrivateKey) error {
	if !utf8.ValidString(e.Content) {
		return fmt.Errorf("%w: event content is not valid UTF-8", interfaces.ErrConfiguration)
	}
	for _, tag := range e.Tags {
		for _, v := range tag {
			if !utf8.ValidString(v) {
				return fmt.Errorf("%w: event tag is not valid UTF-8", interfaces.ErrConfiguration)
			}
		}
	}
	if e.Tags == nil {
		e.Tags = Tags{}
	}

	e.PubKey = key.PublicKeyHex()
	id := e.ComputeID()

	sig, err := schnorr.Sign(key.key, id[:])
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}

	e.ID = hex.EncodeToString(id[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify recomputes the id and checks the signature against the author key.
func (e *Event) Verify() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", interfaces.ErrInvalidSignature)
	}

	id := e.ComputeID()
	if hex.EncodeToString(id[:]) != e.ID {
		return fmt.Errorf("%w: id does not match content", interfaces.ErrInvalidSignature)
	}

	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubBytes) != schnorr.PubKeyBytesLen {
		return fmt.Errorf("%w: malformed pubkey", interfaces.ErrInvalidSignature)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidSignature, err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigBytes) != schnorr.SignatureSize {
		return fmt.Errorf("%w: malformed signature", interfaces.ErrInvalidSignature)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidSignature, err)
	}

	if !sig.Verify(id[:], pub) {
		return fmt.Errorf("%w: signature does not verify", interfaces.ErrInvalidSignature)
	}
	return nil
}

// Valid reports whether Verify succeeds.
func (e *Event) Valid() bool {
	return e.Verify() == nil
}

// Time returns created_at as a time.Time.
func (e *Event) Time() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// IsAddressable reports whether newer events with the same address supersede this one.
func (e *Event) IsAddressable() bool {
	return e.Kind >= 30000 && e.Kind < 40000
}

// AddressKey returns kind:pubkey:d, the identity used for latest-wins.
// Non-addressable events are keyed by id.
func (e *Event) AddressKey() string {
	if !e.IsAddressable() {
		return e.ID
	}
	return strconv.Itoa(e.Kind) + ":" + e.PubKey + ":" + e.Tags.Value(TagAddress)
}

func (e *Event) String() string {
	return fmt.Sprintf("event(kind=%d id=%.12s author=%.12s)", e.Kind, e.ID, e.PubKey)
}
