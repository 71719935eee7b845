package release

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/guardian-switch/cryptoutils"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/lifecycle"
	"github.com/ruteri/guardian-switch/sharing"
)

const recordVersion = 2

// guardianProfileAddress is the d tag of guardian registrations.
const guardianProfileAddress = "guardian"

// messageRecord is the content of a message-storage event.
type messageRecord struct {
	Version    int                   `json:"version"`
	Ciphertext []byte                `json:"ciphertext"`
	IV         []byte                `json:"iv"`
	Tag        []byte                `json:"tag"`
	Commitment []byte                `json:"commitment"`
	Bundle     []byte                `json:"bundle"`
	Threshold  int                   `json:"threshold"`
	Interval   int64                 `json:"interval"`
	Recipient  string                `json:"recipient"`
	Guardians  []lifecycle.Guardian  `json:"guardians"`
	KDF        cryptoutils.KDFParams `json:"kdf"`
}

func decodeMessageRecord(ev *events.Event) (*messageRecord, error) {
	var rec messageRecord
	if err := json.Unmarshal([]byte(ev.Content), &rec); err != nil {
		return nil, fmt.Errorf("invalid message record %s: %w", ev.ID, err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported message record version %d", rec.Version)
	}
	if rec.Interval <= 0 || len(rec.Ciphertext) == 0 || len(rec.Bundle) == 0 {
		return nil, fmt.Errorf("incomplete message record %s", ev.ID)
	}
	return &rec, nil
}

// toSwitch builds the switch aggregate described by a message-storage event.
func (rec *messageRecord) toSwitch(id string, ev *events.Event) *lifecycle.Switch {
	return &lifecycle.Switch{
		ID:              id,
		CreatedAt:       ev.Time(),
		CheckInInterval: time.Duration(rec.Interval) * time.Second,
		LastHeartbeatAt: ev.Time(),
		Threshold:       rec.Threshold,
		TotalShares:     len(rec.Guardians),
		Status:          lifecycle.StatusArmed,
		Owner:           ev.PubKey,
		Recipient:       rec.Recipient,
		Guardians:       rec.Guardians,
	}
}

// assignmentPayload is the plaintext sealed into a share-storage event.
type assignmentPayload struct {
	SwitchID  string        `json:"switch_id"`
	Recipient string        `json:"recipient"`
	Share     sharing.Share `json:"share"`
}

// GuardianProfile is the content of a guardian registration.
type GuardianProfile struct {
	PubKey     string    `json:"-"`
	Name       string    `json:"name"`
	About      string    `json:"about,omitempty"`
	Channels   []string  `json:"channels,omitempty"`
	Registered time.Time `json:"-"`
}

// sealTo encrypts data to an event author key and returns the event content.
func sealTo(pubkeyHex string, data []byte) (string, error) {
	pub, err := events.LiftPublicKey(pubkeyHex)
	if err != nil {
		return "", err
	}
	sealed, err := cryptoutils.SealForRecipient(pub, data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// openContent reverses sealTo with the addressee's key.
func openContent(key *events.PrivateKey, content string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: content is not base64", interfaces.ErrAuthentication)
	}
	return cryptoutils.OpenSealed(key.SealingScalar(), sealed)
}
