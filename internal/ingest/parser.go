// Package ingest reads measurement and customer exports used to seed the
// in-memory store.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"energy_monitor/internal/model"
	"energy_monitor/internal/store"
)

// Parser reads telemetry from a source and returns samples.
type Parser interface {
	Parse(r io.Reader) ([]model.Sample, error)
}

// MeasurementsParser reads a CSV export of the measurements table. Columns are
// matched by header name; user_cpf and timestamp are required.
type MeasurementsParser struct{}

var measurementColumns = []string{"user_cpf", "timestamp"}

func (MeasurementsParser) Parse(r io.Reader) ([]model.Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols, err := indexColumns(header, measurementColumns)
	if err != nil {
		return nil, err
	}

	var samples []model.Sample
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		subject := model.NormalizeSubject(field(rec, cols, "user_cpf"))
		if subject == "" {
			continue
		}
		samples = append(samples, model.Sample{
			ID:                int64(store.ParseNumeric(field(rec, cols, "id"))),
			SubjectID:         subject,
			Timestamp:         store.ParseTimestamp(field(rec, cols, "timestamp")),
			VoltageV:          store.ParseNumeric(field(rec, cols, "voltage")),
			CurrentA:          store.ParseNumeric(field(rec, cols, "current")),
			SolarPowerW:       store.ParseNumeric(field(rec, cols, "solar_generation")),
			ConsumptionPowerW: store.ParseNumeric(field(rec, cols, "house_consumption")),
		})
	}
	return samples, nil
}

// ParseCustomers reads a CSV export of the customers table
// (cpf, name, tariff_per_kwh).
func ParseCustomers(r io.Reader) ([]model.Customer, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols, err := indexColumns(header, []string{"cpf"})
	if err != nil {
		return nil, err
	}

	var customers []model.Customer
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		subject := model.NormalizeSubject(field(rec, cols, "cpf"))
		if !model.ValidSubject(subject) {
			continue
		}
		customers = append(customers, model.Customer{
			SubjectID:    subject,
			Name:         field(rec, cols, "name"),
			TariffPerKWh: store.ParseNumeric(field(rec, cols, "tariff_per_kwh")),
		})
	}
	return customers, nil
}

func indexColumns(header, required []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.Trim(strings.TrimSpace(h), `"`))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q in header", name)
		}
	}
	return cols, nil
}

func field(rec []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
