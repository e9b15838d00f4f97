package ws

import (
	"encoding/json"

	"energy_monitor/internal/model"
	"energy_monitor/internal/session"
)

// Envelope wraps all WebSocket messages with a type discriminator.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants
const (
	// Client -> Server
	TypeSubjectSelect = "subject:select"
	TypeLookbackSet   = "lookback:set"
	TypeDeviceToggle  = "device:toggle"

	// Server -> Client
	TypeSessionSnapshot = "session:snapshot"
	TypeWindowUpdate    = "window:update"
	TypeAggregateUpdate = "aggregate:update"
	TypeDeviceState     = "device:state"
	TypeEvent           = "event"
	TypeError           = "error"
)

// Client -> Server messages

type SubjectSelectPayload struct {
	Subject string `json:"subject"`
}

type LookbackSetPayload struct {
	Lookback string `json:"lookback"`
}

// Server -> Client messages

type DeviceStatePayload struct {
	Subject string                   `json:"subject"`
	Device  model.DeviceControlState `json:"device"`
}

type ErrorPayload struct {
	Request string `json:"request"`
	Message string `json:"message"`
}

func NewEnvelope(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// SnapshotMessage encodes a full session snapshot.
func SnapshotMessage(s session.Snapshot) ([]byte, error) {
	return NewEnvelope(TypeSessionSnapshot, s)
}
