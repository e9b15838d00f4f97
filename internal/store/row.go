package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"energy_monitor/internal/model"
)

// SampleRow is the JSON shape of a measurements row as delivered by
// PostgREST, NOTIFY payloads and MQTT messages.
type SampleRow struct {
	ID               int64   `json:"id"`
	UserCPF          string  `json:"user_cpf"`
	Timestamp        string  `json:"timestamp"`
	Voltage          Numeric `json:"voltage"`
	Current          Numeric `json:"current"`
	SolarGeneration  Numeric `json:"solar_generation"`
	HouseConsumption Numeric `json:"house_consumption"`
}

// Sample converts the row. An unparseable timestamp becomes the zero time.
func (r SampleRow) Sample() model.Sample {
	return model.Sample{
		ID:                r.ID,
		SubjectID:         r.UserCPF,
		Timestamp:         ParseTimestamp(r.Timestamp),
		VoltageV:          float64(r.Voltage),
		CurrentA:          float64(r.Current),
		SolarPowerW:       float64(r.SolarGeneration),
		ConsumptionPowerW: float64(r.HouseConsumption),
	}
}

// DeviceRow is the JSON shape of a device_status row.
type DeviceRow struct {
	DeviceID   string `json:"device_id"`
	RelayState *bool  `json:"relay_state"`
}

// State converts the row. A NULL relay_state reads as off.
func (r DeviceRow) State() model.DeviceControlState {
	return model.DeviceControlState{
		DeviceID: r.DeviceID,
		Relay:    model.RelayFromBool(r.RelayState != nil && *r.RelayState),
	}
}

// DecodeSample parses a single measurements row.
func DecodeSample(data []byte) (model.Sample, error) {
	var row SampleRow
	if err := json.Unmarshal(data, &row); err != nil {
		return model.Sample{}, fmt.Errorf("decoding measurement: %w", err)
	}
	return row.Sample(), nil
}

// DecodeDeviceState parses a single device_status row.
func DecodeDeviceState(data []byte) (model.DeviceControlState, error) {
	var row DeviceRow
	if err := json.Unmarshal(data, &row); err != nil {
		return model.DeviceControlState{}, fmt.Errorf("decoding device_status: %w", err)
	}
	return row.State(), nil
}

// Numeric accepts a JSON number, a numeric string or null. Anything
// unparseable decodes as 0.
type Numeric float64

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	*n = Numeric(ParseNumeric(s))
	return nil
}

// ParseNumeric parses a decimal string. Blank, malformed or non-finite input is 0.
func ParseNumeric(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts the ISO-8601 variants Postgres emits. Timestamps
// without a zone are read as UTC. It returns the zero time on failure.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
