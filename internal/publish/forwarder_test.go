package publish

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy_monitor/internal/model"
	"energy_monitor/internal/session"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []Report
	err     error
}

func (s *recordingSink) Publish(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func TestForwarder_PublishesDailyAndRange(t *testing.T) {
	sink := &recordingSink{}
	f := NewForwarder(sink, nil)

	f.OnAggregates(session.AggregateUpdate{
		Subject:  "12345678901",
		Lookback: "7d",
		Today:    model.EnergyAggregate{PeriodKey: "2024-11-21", GeneratedKWh: 1},
		Daily: []model.EnergyAggregate{
			{PeriodKey: "2024-11-21", GeneratedKWh: 1},
			{PeriodKey: "2024-11-20", GeneratedKWh: 4},
		},
		Range:  model.EnergyAggregate{PeriodKey: "7d", GeneratedKWh: 5},
		Tariff: model.TariffRate{RatePerKWh: 0.95},
	})

	require.Len(t, sink.reports, 2)
	daily, rng := sink.reports[0], sink.reports[1]

	assert.Equal(t, KindDaily, daily.Kind)
	assert.Equal(t, "7d", daily.Label)
	require.Len(t, daily.Aggregates, 3)
	assert.Equal(t, "2024-11-21", daily.Aggregates[0].PeriodKey)

	assert.Equal(t, KindRange, rng.Kind)
	require.Len(t, rng.Aggregates, 1)
	assert.InDelta(t, 5.0, rng.Aggregates[0].GeneratedKWh, 1e-9)
	assert.Equal(t, daily.GeneratedAt, rng.GeneratedAt)
}

func TestForwarder_SinkErrorsAreLogged(t *testing.T) {
	sink := &recordingSink{err: errors.New("unavailable")}
	f := NewForwarder(sink, nil)

	assert.NotPanics(t, func() {
		f.OnSnapshot(session.Snapshot{Subject: "12345678901", Status: session.Status{Lookback: "24h"}})
	})
	assert.Len(t, sink.reports, 2)
}
