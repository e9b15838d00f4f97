package model

import (
	"strings"
	"time"
)

// SignalType names one measured quantity carried by a Sample.
type SignalType string

const (
	SignalVoltage     SignalType = "voltage"
	SignalCurrent     SignalType = "current"
	SignalSolarPower  SignalType = "solar_generation"
	SignalConsumption SignalType = "house_consumption"
)

// SignalInfo holds display name and unit for a signal.
type SignalInfo struct {
	Name string
	Unit string
}

// SignalCatalog maps every known SignalType to its display name and unit.
var SignalCatalog = map[SignalType]SignalInfo{
	SignalVoltage:     {Name: "Voltage", Unit: "V"},
	SignalCurrent:     {Name: "Current", Unit: "A"},
	SignalSolarPower:  {Name: "Solar Generation", Unit: "W"},
	SignalConsumption: {Name: "House Consumption", Unit: "W"},
}

// Sample is one timestamped telemetry reading for a subject. ID is assigned
// by the store and is the identity key; a zero Timestamp marks a reading
// whose timestamp could not be parsed.
type Sample struct {
	ID                int64     `json:"id"`
	SubjectID         string    `json:"subject_id"`
	Timestamp         time.Time `json:"timestamp"`
	VoltageV          float64   `json:"voltage"`
	CurrentA          float64   `json:"current"`
	SolarPowerW       float64   `json:"solar_generation"`
	ConsumptionPowerW float64   `json:"house_consumption"`
}

// Value returns the sample's value for the given signal.
func (s Sample) Value(sig SignalType) float64 {
	switch sig {
	case SignalVoltage:
		return s.VoltageV
	case SignalCurrent:
		return s.CurrentA
	case SignalSolarPower:
		return s.SolarPowerW
	case SignalConsumption:
		return s.ConsumptionPowerW
	}
	return 0
}

// LiveReading is the instantaneous card shown for the newest sample.
type LiveReading struct {
	VoltageV          float64   `json:"voltage"`
	CurrentA          float64   `json:"current"`
	SolarPowerW       float64   `json:"solar_w"`
	ConsumptionPowerW float64   `json:"consumption_w"`
	NetW              float64   `json:"net_w"`
	Online            bool      `json:"online"`
	Timestamp         time.Time `json:"timestamp"`
}

// LiveFromSample builds the live card for s. Values are shown raw, unclamped.
func LiveFromSample(s Sample) LiveReading {
	return LiveReading{
		VoltageV:          s.VoltageV,
		CurrentA:          s.CurrentA,
		SolarPowerW:       s.SolarPowerW,
		ConsumptionPowerW: s.ConsumptionPowerW,
		NetW:              s.SolarPowerW - s.ConsumptionPowerW,
		Online:            true,
		Timestamp:         s.Timestamp,
	}
}

type TimeRange struct {
	Start time.Time
	End   time.Time
}

// SubjectLen is the number of digits in a normalized subject identifier.
const SubjectLen = 11

// NormalizeSubject strips every non-digit and keeps at most SubjectLen digits.
func NormalizeSubject(raw string) string {
	var b strings.Builder
	b.Grow(SubjectLen)
	for _, r := range raw {
		if r < '0' || r > '9' {
			continue
		}
		b.WriteRune(r)
		if b.Len() == SubjectLen {
			break
		}
	}
	return b.String()
}

// ValidSubject reports whether raw normalizes to a full identifier.
func ValidSubject(raw string) bool {
	return len(NormalizeSubject(raw)) == SubjectLen
}

// MaskSubject formats a (possibly partial) identifier as 000.000.000-00.
func MaskSubject(raw string) string {
	v := NormalizeSubject(raw)
	var b strings.Builder
	for i, r := range v {
		switch i {
		case 3, 6:
			b.WriteByte('.')
		case 9:
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
