// Package tariff resolves the price per kWh of a subject.
package tariff

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"energy_monitor/internal/model"
)

// DefaultFallbackRate is used when a subject has no usable tariff (BRL/kWh).
const DefaultFallbackRate = 0.95

// ErrFallback is returned alongside a usable fallback rate to flag the
// substitution. It is a notice, not a failure.
var ErrFallback = errors.New("tariff fallback in use")

// Source fetches the configured rate of a subject. A missing record should
// be reported as store.ErrNotFound or a zero rate; both fall back.
type Source interface {
	GetTariff(ctx context.Context, subjectID string) (float64, error)
}

// Resolver applies the fallback policy on top of a Source.
type Resolver struct {
	source   Source
	fallback float64
	logger   *zap.Logger
}

// NewResolver returns a resolver. A non-positive fallback is replaced by
// DefaultFallbackRate.
func NewResolver(source Source, fallback float64, logger *zap.Logger) *Resolver {
	if !valid(fallback) {
		fallback = DefaultFallbackRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, fallback: fallback, logger: logger}
}

func (r *Resolver) FallbackRate() float64 { return r.fallback }

// Resolve always returns a usable rate. When the fallback was substituted the
// error wraps ErrFallback and carries the reason.
func (r *Resolver) Resolve(ctx context.Context, subjectID string) (model.TariffRate, error) {
	rate := model.TariffRate{SubjectID: subjectID}

	if r.source == nil {
		return r.useFallback(rate, errors.New("no tariff source"))
	}

	v, err := r.source.GetTariff(ctx, subjectID)
	if err != nil {
		return r.useFallback(rate, err)
	}
	if !valid(v) {
		return r.useFallback(rate, fmt.Errorf("invalid rate %v", v))
	}

	rate.RatePerKWh = v
	return rate, nil
}

func (r *Resolver) useFallback(rate model.TariffRate, reason error) (model.TariffRate, error) {
	rate.RatePerKWh = r.fallback
	rate.Fallback = true

	r.logger.Warn("Using fallback tariff",
		zap.String("subject_id", rate.SubjectID),
		zap.Float64("rate", r.fallback),
		zap.Error(reason),
	)
	return rate, fmt.Errorf("%w: %v", ErrFallback, reason)
}

func valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
