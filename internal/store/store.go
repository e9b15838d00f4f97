// Package store defines the telemetry data source contracts and their
// backends: in-memory, Postgres and PostgREST.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"energy_monitor/internal/model"
)

// ErrNotFound is returned when a customer record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultQueryLimit caps a since-query when the caller sets no limit.
const DefaultQueryLimit = 5000

// Query selects samples of one subject.
//
// Latest returns the Limit most recent samples by ID (1 when Limit is 0).
// Otherwise samples with Timestamp >= Since are returned, at most Limit of
// them: the oldest ones, or the newest ones when Newest is set. Results are
// always sorted ascending.
type Query struct {
	Since  time.Time
	Limit  int
	Latest bool
	Newest bool
}

func (q Query) limit() int {
	switch {
	case q.Limit > 0:
		return q.Limit
	case q.Latest:
		return 1
	default:
		return DefaultQueryLimit
	}
}

// Unsubscribe releases a subscription. It is safe to call more than once.
type Unsubscribe func()

type SampleStore interface {
	QuerySamples(ctx context.Context, subjectID string, q Query) ([]model.Sample, error)
}

type SampleSubscriber interface {
	SubscribeSamples(ctx context.Context, subjectID string, onSample func(model.Sample)) (Unsubscribe, error)
}

// DeviceStore reads and writes relay state. A device without a row reads
// as off.
type DeviceStore interface {
	GetDeviceState(ctx context.Context, deviceID string) (model.DeviceControlState, error)
	SetDeviceState(ctx context.Context, deviceID string, relayOn bool) error
}

type DeviceSubscriber interface {
	SubscribeDeviceState(ctx context.Context, deviceID string, onChange func(model.DeviceControlState)) (Unsubscribe, error)
}

// CustomerStore resolves subject records. Missing records return ErrNotFound.
type CustomerStore interface {
	GetTariff(ctx context.Context, subjectID string) (float64, error)
	GetCustomerName(ctx context.Context, subjectID string) (string, error)
}

// Backend is a complete polling data source.
type Backend interface {
	SampleStore
	DeviceStore
	CustomerStore
}

// Subscriber is a complete push data source.
type Subscriber interface {
	SampleSubscriber
	DeviceSubscriber
}

func once(fn func()) Unsubscribe {
	var o sync.Once
	return func() { o.Do(fn) }
}
