// Package protocol defines the wire format between shellyd and the mobile
// client: a JSON envelope carrying a base64 payload, framed as a single
// websocket text or binary message.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Type is the envelope's message type discriminator.
type Type string

const (
	// Lifecycle
	TypeHello       Type = "hello"
	TypeAuthChallenge Type = "authChallenge"
	TypeAuthResponse  Type = "authResponse"
	TypeAuthResult    Type = "authResult"
	TypeDisconnect    Type = "disconnect"

	// Pairing
	TypePairRequest  Type = "pairRequest"
	TypePairChallenge Type = "pairChallenge"
	TypePairVerify    Type = "pairVerify"
	TypePairResponse  Type = "pairResponse"

	// Terminal
	TypeTerminalOutput Type = "terminalOutput"
	TypeTerminalInput  Type = "terminalInput"
	TypeTerminalResize Type = "terminalResize"

	// Sudo
	TypeSudoPrompt         Type = "sudoPrompt"
	TypeSudoConfirmRequest Type = "sudoConfirmRequest"
	TypeSudoConfirmResponse Type = "sudoConfirmResponse"
	TypeSudoPassword        Type = "sudoPassword"

	// Notifications
	TypeRegisterPushToken Type = "registerPushToken"
	TypeLongRunningCommand Type = "longRunningCommand"
	TypeCommandComplete    Type = "commandComplete"

	// Settings
	TypeSettingsSync    Type = "settingsSync"
	TypeSettingsUpdate  Type = "settingsUpdate"
	TypeSettingsConfirm Type = "settingsConfirm"

	// Utility
	TypePing  Type = "ping"
	TypePong  Type = "pong"
	TypeError Type = "error"
)

// Envelope is the outer JSON object carried by every websocket frame.
type Envelope struct {
	Type      Type      `json:"type"`
	Payload   []byte    `json:"payload"` // base64 via json's []byte encoding
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId"`
}

// wireEnvelope mirrors Envelope but keeps Payload as a string so we control
// the base64 alphabet explicitly instead of relying on encoding/json's
// built-in []byte handling (which also happens to be std base64, but being
// explicit keeps the wire contract documented in one place).
type wireEnvelope struct {
	Type      Type   `json:"type"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"messageId"`
}

// New builds an envelope for msgType carrying payload (any JSON-marshalable
// value), stamping a fresh timestamp and message ID.
func New(msgType Type, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, trace.Wrap(err, "marshaling payload for %v", msgType)
	}
	return Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString(),
	}, nil
}

// Encode serializes the envelope to the bytes sent on the wire.
func Encode(e Envelope) ([]byte, error) {
	w := wireEnvelope{
		Type:      e.Type,
		Payload:   base64.StdEncoding.EncodeToString(e.Payload),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		MessageID: e.MessageID,
	}
	out, err := json.Marshal(w)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Decode parses a wire frame into an Envelope. It does not validate that
// Payload decodes into any particular inner schema — callers decode the
// nested document per Type.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, trace.Wrap(err, "decoding envelope")
	}
	payload, err := base64.StdEncoding.DecodeString(w.Payload)
	if err != nil {
		return Envelope{}, trace.Wrap(err, "decoding base64 payload")
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		// Tolerate a slightly looser timestamp; the field is informational.
		ts = time.Now().UTC()
	}
	return Envelope{
		Type:      w.Type,
		Payload:   payload,
		Timestamp: ts,
		MessageID: w.MessageID,
	}, nil
}

// DecodePayload unmarshals the envelope's inner JSON payload into v.
func DecodePayload(e Envelope, v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return trace.Wrap(err, "decoding %v payload", e.Type)
	}
	return nil
}
