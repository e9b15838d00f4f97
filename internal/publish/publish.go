// Package publish hands recomputed energy aggregates to external consumers:
// a Redis cache for dashboards and a Kafka topic for downstream services.
package publish

import (
	"context"
	"errors"
	"time"

	"energy_monitor/internal/model"
)

// Report kinds.
const (
	KindDaily = "daily"
	KindRange = "range"
)

// Report is one recomputed set of aggregates for a subject.
type Report struct {
	SubjectID   string                  `json:"subject_id"`
	Kind        string                  `json:"kind"`
	Label       string                  `json:"label"`
	Aggregates  []model.EnergyAggregate `json:"aggregates"`
	Tariff      model.TariffRate        `json:"tariff"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// Sink receives reports. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, r Report) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, r Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
