package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidUpdate = errors.New("update message is structurally invalid")

// Relay envelope types.
const (
	TypeLogin      = "login"
	TypeSessionKey = "session-key"
	TypeFrame      = "frame"
)

// Envelope is the outer JSON shape of every relay message. Only the fields
// relevant to the envelope's type are populated.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// login
	Machine   string          `json:"machine,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	PubKey    string          `json:"pubkey,omitempty"`
	Signature string          `json:"signature,omitempty"`

	// session-key
	Key string `json:"key,omitempty"`

	// frame: base64url IV and ciphertext. An empty IV means the session IV.
	IV   string `json:"iv,omitempty"`
	Body string `json:"body,omitempty"`
}

// LoginPayload is the signed portion of the login envelope.
type LoginPayload struct {
	Time    string `json:"time"`
	Session string `json:"session"`
}

// ParseEnvelope decodes one relay message. An envelope without a type is
// rejected here; unknown types are the caller's concern.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidUpdate)
	}
	return env, nil
}

// SlotKind distinguishes CPU and GPU work slots.
type SlotKind string

const (
	SlotCPU SlotKind = "CPU"
	SlotGPU SlotKind = "GPU"
)

// SlotUpdate is one slot's progress inside a decrypted frame.
type SlotUpdate struct {
	ID      int      `json:"id"`
	Percent float64  `json:"percent"`
	Kind    SlotKind `json:"kind"`
	Unit    string   `json:"unit,omitempty"`
	Running *bool    `json:"running,omitempty"`
}

// IsRunning defaults to true when the frame omits the field: the relay only
// reports slots that are being worked on unless it says otherwise.
func (s SlotUpdate) IsRunning() bool {
	return s.Running == nil || *s.Running
}

// Update is the structured content of one decrypted frame: a machine
// identifier plus the slots it reports.
type Update struct {
	Machine   string       `json:"machine"`
	Name      string       `json:"name,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
	Slots     []SlotUpdate `json:"slots"`
}

// ParseUpdate validates a decrypted frame's content. A well-formed
// decryption with invalid structure is a protocol error: the caller drops
// the frame and keeps the connection.
func ParseUpdate(plaintext []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(plaintext, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if u.Machine == "" {
		return Update{}, fmt.Errorf("%w: missing machine identifier", ErrInvalidUpdate)
	}
	for _, s := range u.Slots {
		if s.ID < 0 {
			return Update{}, fmt.Errorf("%w: negative slot id %d", ErrInvalidUpdate, s.ID)
		}
		if s.Kind != SlotCPU && s.Kind != SlotGPU {
			return Update{}, fmt.Errorf("%w: unknown slot kind %q", ErrInvalidUpdate, s.Kind)
		}
		if s.Percent < 0 || s.Percent > 100 {
			return Update{}, fmt.Errorf("%w: percent %v out of range", ErrInvalidUpdate, s.Percent)
		}
	}
	return u, nil
}
