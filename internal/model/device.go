package model

import "encoding/json"

// RelayState is the tri-state mirror of a remote relay. Unknown is the
// initial value and is distinct from Off.
type RelayState int

const (
	RelayUnknown RelayState = iota
	RelayOff
	RelayOn
)

// RelayFromBool converts an authoritative boolean into a known state.
func RelayFromBool(on bool) RelayState {
	if on {
		return RelayOn
	}
	return RelayOff
}

func (r RelayState) Known() bool { return r == RelayOn || r == RelayOff }

func (r RelayState) On() bool { return r == RelayOn }

func (r RelayState) String() string {
	switch r {
	case RelayOn:
		return "on"
	case RelayOff:
		return "off"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes Unknown as null so clients can tell it apart from false.
func (r RelayState) MarshalJSON() ([]byte, error) {
	if !r.Known() {
		return []byte("null"), nil
	}
	return json.Marshal(r.On())
}

func (r *RelayState) UnmarshalJSON(data []byte) error {
	var v *bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == nil {
		*r = RelayUnknown
		return nil
	}
	*r = RelayFromBool(*v)
	return nil
}

// DeviceControlState mirrors one relay device.
type DeviceControlState struct {
	DeviceID string     `json:"device_id"`
	Relay    RelayState `json:"relay_on"`
	Pending  bool       `json:"pending_write"`
}
