// Package energy integrates instantaneous power into energy.
package energy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"energy_monitor/internal/model"
)

// Unit is the unit the store reports power in.
type Unit int

const (
	Watts Unit = iota
	Kilowatts
)

// ParseUnit accepts "W" or "kW" (case-insensitive). Empty means Watts.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "w", "watt", "watts":
		return Watts, nil
	case "kw", "kilowatt", "kilowatts":
		return Kilowatts, nil
	}
	return Watts, fmt.Errorf("unknown power unit %q", s)
}

func (u Unit) String() string {
	if u == Kilowatts {
		return "kW"
	}
	return "W"
}

// toKW converts a power value in u to kilowatts.
func (u Unit) toKW(p float64) float64 {
	if u == Kilowatts {
		return p
	}
	return p / 1000
}

// Point is one (timestamp, power) pair of a single signal.
type Point struct {
	Time  time.Time
	Power float64
}

const msPerHour = 3_600_000

// Integrate returns the energy in kWh under a time-ascending power series
// using the trapezoidal rule. Negative power counts as zero. Intervals with
// a zero or non-finite endpoint, or a negative duration, contribute nothing.
func Integrate(points []Point, unit Unit) float64 {
	if len(points) < 2 {
		return 0
	}

	var kwh float64
	for i := 1; i < len(points); i++ {
		prev, curr := points[i-1], points[i]
		if prev.Time.IsZero() || curr.Time.IsZero() {
			continue
		}

		dtHours := float64(curr.Time.Sub(prev.Time).Milliseconds()) / msPerHour
		if math.IsNaN(dtHours) || math.IsInf(dtHours, 0) || dtHours <= 0 {
			continue
		}

		p0 := clamp(prev.Power)
		p1 := clamp(curr.Power)
		kwh += unit.toKW((p0+p1)/2) * dtHours
	}
	return kwh
}

// clamp maps negative and non-finite power to zero.
func clamp(p float64) float64 {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
		return 0
	}
	return p
}

// Points extracts the series of one signal from samples.
func Points(samples []model.Sample, sig model.SignalType) []Point {
	points := make([]Point, len(samples))
	for i, s := range samples {
		points[i] = Point{Time: s.Timestamp, Power: s.Value(sig)}
	}
	return points
}

func GenerationPoints(samples []model.Sample) []Point {
	return Points(samples, model.SignalSolarPower)
}

func ConsumptionPoints(samples []model.Sample) []Point {
	return Points(samples, model.SignalConsumption)
}

// Peak returns the highest clamped power in points, in the source unit.
func Peak(points []Point) float64 {
	var peak float64
	for _, p := range points {
		if v := clamp(p.Power); v > peak {
			peak = v
		}
	}
	return peak
}
