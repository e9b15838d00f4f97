package publish

import (
	"context"
	"time"

	"go.uber.org/zap"

	"energy_monitor/internal/model"
	"energy_monitor/internal/session"
)

// Forwarder is a session.Callback that publishes every aggregate recompute
// as a daily and a range report. Other session output is ignored.
type Forwarder struct {
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewForwarder(sink Sink, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{sink: sink, timeout: 5 * time.Second, logger: logger, now: time.Now}
}

func (f *Forwarder) OnAggregates(u session.AggregateUpdate) {
	at := f.now()
	reports := []Report{
		{
			SubjectID:   u.Subject,
			Kind:        KindDaily,
			Label:       u.Lookback,
			Aggregates:  append([]model.EnergyAggregate{u.Today}, u.Daily...),
			Tariff:      u.Tariff,
			GeneratedAt: at,
		},
		{
			SubjectID:   u.Subject,
			Kind:        KindRange,
			Label:       u.Lookback,
			Aggregates:  []model.EnergyAggregate{u.Range},
			Tariff:      u.Tariff,
			GeneratedAt: at,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	for _, r := range reports {
		if err := f.sink.Publish(ctx, r); err != nil {
			f.logger.Warn("Failed to publish energy report",
				zap.String("kind", r.Kind),
				zap.Error(err),
			)
		}
	}
}

func (f *Forwarder) OnSnapshot(s session.Snapshot) {
	f.OnAggregates(session.AggregateUpdate{
		Subject:  s.Subject,
		Lookback: s.Status.Lookback,
		Today:    s.Today,
		Daily:    s.Daily,
		Range:    s.Range,
		Tariff:   s.Tariff,
	})
}

func (f *Forwarder) OnWindow(session.WindowUpdate)             {}
func (f *Forwarder) OnDevice(string, model.DeviceControlState) {}
func (f *Forwarder) OnEvent(session.Event)                     {}
