// Package aggregate groups samples into calendar-day and lookback buckets
// and attaches energy and tariff figures to each bucket.
package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"energy_monitor/internal/energy"
	"energy_monitor/internal/model"
)

// DayKeyLayout is the period key of a daily bucket.
const DayKeyLayout = "2006-01-02"

// ErrInvalidLookback is returned for labels other than 12h, 24h and 7d.
var ErrInvalidLookback = errors.New("invalid lookback")

// Lookback is a rolling range mode of the chart views.
type Lookback string

const (
	Lookback12h Lookback = "12h"
	Lookback24h Lookback = "24h"
	Lookback7d  Lookback = "7d"
)

var lookbackDurations = map[Lookback]time.Duration{
	Lookback12h: 12 * time.Hour,
	Lookback24h: 24 * time.Hour,
	Lookback7d:  7 * 24 * time.Hour,
}

// ParseLookback validates a lookback label.
func ParseLookback(s string) (Lookback, error) {
	lb := Lookback(s)
	if _, ok := lookbackDurations[lb]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidLookback, s)
	}
	return lb, nil
}

func (l Lookback) Duration() time.Duration { return lookbackDurations[l] }

// Since returns the start of the lookback window ending at now.
func (l Lookback) Since(now time.Time) time.Time { return now.Add(-l.Duration()) }

// Range computes one bucket over all samples, which must be sorted by time.
func Range(key string, samples []model.Sample, rate float64, unit energy.Unit) model.EnergyAggregate {
	gen := energy.GenerationPoints(samples)
	generated := energy.Integrate(gen, unit)
	consumed := energy.Integrate(energy.ConsumptionPoints(samples), unit)

	return model.EnergyAggregate{
		PeriodKey:     key,
		GeneratedKWh:  generated,
		ConsumedKWh:   consumed,
		BalanceKWh:    generated - consumed,
		TariffPerKWh:  rate,
		SavedCurrency: generated * rate,
		PeakSolarW:    energy.Peak(gen),
		Samples:       len(samples),
	}
}

// Daily groups samples by local calendar day in loc and returns one bucket
// per day, newest first. Intervals spanning midnight belong to neither day.
func Daily(samples []model.Sample, loc *time.Location, rate float64, unit energy.Unit) []model.EnergyAggregate {
	if loc == nil {
		loc = time.Local
	}

	groups := make(map[string][]model.Sample)
	for _, s := range samples {
		if s.Timestamp.IsZero() {
			continue
		}
		key := DayKey(s.Timestamp, loc)
		groups[key] = append(groups[key], s)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	out := make([]model.EnergyAggregate, 0, len(keys))
	for _, k := range keys {
		out = append(out, Range(k, groups[k], rate, unit))
	}
	return out
}

// DayKey returns the local calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayKeyLayout)
}

// StartOfDay returns local midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// Round3 rounds v to three decimals, the precision shown on the kWh cards.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
