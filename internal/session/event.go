package session

import (
	"time"

	"github.com/google/uuid"

	"energy_monitor/internal/model"
)

// EventKind classifies a non-fatal condition surfaced to the UI.
type EventKind string

const (
	EventPollFailed        EventKind = "poll_failed"
	EventSubscribeFailed   EventKind = "subscribe_failed"
	EventNoData            EventKind = "no_data"
	EventTariffFallback    EventKind = "tariff_fallback"
	EventDeviceWriteFailed EventKind = "device_write_failed"
	EventDeviceReadFailed  EventKind = "device_read_failed"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
)

// Event is a warning or notice. Events never end a session.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Kind    EventKind `json:"kind"`
	Level   Level     `json:"level"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

func newEvent(subject string, kind EventKind, level Level, msg string, now time.Time) Event {
	return Event{
		ID:      uuid.New(),
		Kind:    kind,
		Level:   level,
		Subject: subject,
		Message: msg,
		Time:    now,
	}
}

// Status describes the session beyond its numbers.
type Status struct {
	Loading      bool   `json:"loading"`
	Online       bool   `json:"online"`
	NoData       bool   `json:"no_data"`
	CustomerName string `json:"customer_name,omitempty"`
	NameNotFound bool   `json:"name_not_found"`
	Lookback     string `json:"lookback"`
	Unit         string `json:"unit"`
	LastError    string `json:"last_error,omitempty"`
}

// Snapshot is the complete derived state of a session.
type Snapshot struct {
	Seq           uint64                   `json:"seq"`
	Subject       string                   `json:"subject"`
	SubjectMasked string                   `json:"subject_masked"`
	Live          model.LiveReading        `json:"live"`
	Window        []model.Sample           `json:"window"`
	Chart         []model.Sample           `json:"chart"`
	Today         model.EnergyAggregate    `json:"today"`
	Daily         []model.EnergyAggregate  `json:"daily"`
	Range         model.EnergyAggregate    `json:"range"`
	Tariff        model.TariffRate         `json:"tariff"`
	Device        model.DeviceControlState `json:"device"`
	Status        Status                   `json:"status"`
}

// WindowUpdate follows every accepted sample batch.
type WindowUpdate struct {
	Seq     uint64            `json:"seq"`
	Subject string            `json:"subject"`
	Live    model.LiveReading `json:"live"`
	Window  []model.Sample    `json:"window"`
	Chart   []model.Sample    `json:"chart"`
	Status  Status            `json:"status"`
}

// AggregateUpdate follows every recompute of the energy figures.
type AggregateUpdate struct {
	Seq      uint64                  `json:"seq"`
	Subject  string                  `json:"subject"`
	Lookback string                  `json:"lookback"`
	Today    model.EnergyAggregate   `json:"today"`
	Daily    []model.EnergyAggregate `json:"daily"`
	Range    model.EnergyAggregate   `json:"range"`
	Tariff   model.TariffRate        `json:"tariff"`
}

// Callback receives session output. Calls come from session goroutines and
// are never made while session locks are held.
type Callback interface {
	OnSnapshot(s Snapshot)
	OnWindow(u WindowUpdate)
	OnAggregates(u AggregateUpdate)
	OnDevice(subject string, st model.DeviceControlState)
	OnEvent(e Event)
}

// Callbacks fans out to several callbacks in order.
type Callbacks []Callback

func (cs Callbacks) OnSnapshot(s Snapshot) {
	for _, c := range cs {
		c.OnSnapshot(s)
	}
}

func (cs Callbacks) OnWindow(u WindowUpdate) {
	for _, c := range cs {
		c.OnWindow(u)
	}
}

func (cs Callbacks) OnAggregates(u AggregateUpdate) {
	for _, c := range cs {
		c.OnAggregates(u)
	}
}

func (cs Callbacks) OnDevice(subject string, st model.DeviceControlState) {
	for _, c := range cs {
		c.OnDevice(subject, st)
	}
}

func (cs Callbacks) OnEvent(e Event) {
	for _, c := range cs {
		c.OnEvent(e)
	}
}
