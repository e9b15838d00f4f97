package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"energy_monitor/internal/aggregate"
	"energy_monitor/internal/energy"
	"energy_monitor/internal/ingest"
	"energy_monitor/internal/logger"
	"energy_monitor/internal/model"
	"energy_monitor/internal/store"
	"energy_monitor/internal/tariff"
)

// report is the per-subject summary printed by the tool.
type report struct {
	Subject string
	Name    string
	Tariff  model.TariffRate
	Days    []model.EnergyAggregate
	Total   model.EnergyAggregate
}

func main() {
	inputDir := flag.String("input-dir", "input", "directory containing measurement and customer CSV exports")
	subject := flag.String("subject", "", "only report this subject (default: all)")
	fallback := flag.Float64("fallback-tariff", tariff.DefaultFallbackRate, "price per kWh when a customer has no tariff")
	unitFlag := flag.String("unit", "W", "power unit of the exports (W or kW)")
	tz := flag.String("tz", "Local", "timezone that bounds calendar days")
	flag.Parse()

	log, err := logger.New("warn", "console", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	unit, err := energy.ParseUnit(*unitFlag)
	if err != nil {
		log.Fatal("Invalid unit", zap.Error(err))
	}
	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatal("Invalid timezone", zap.Error(err))
	}

	mem := store.NewMemory()
	if err := loadDir(*inputDir, mem); err != nil {
		log.Fatal("Failed to load input", zap.Error(err))
	}

	subjects := mem.Subjects()
	if *subject != "" {
		subjects = []string{model.NormalizeSubject(*subject)}
	}
	if len(subjects) == 0 {
		log.Fatal("No measurements loaded")
	}

	resolver := tariff.NewResolver(mem, *fallback, log)
	for _, s := range subjects {
		r, err := buildReport(context.Background(), mem, resolver, s, loc, unit)
		if err != nil {
			log.Warn("Skipping subject", zap.String("subject", model.MaskSubject(s)), zap.Error(err))
			continue
		}
		printReport(os.Stdout, r)
	}
}

// loadDir reads customers.csv and every other .csv file as measurements.
func loadDir(dir string, mem *store.Memory) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading input directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		if entry.Name() == "customers.csv" {
			customers, err := ingest.ParseCustomers(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("parsing %s: %w", path, err)
			}
			for _, c := range customers {
				mem.PutCustomer(c)
			}
			continue
		}

		samples, err := ingest.MeasurementsParser{}.Parse(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		mem.AddSamples(samples...)
	}
	return nil
}

func buildReport(ctx context.Context, mem *store.Memory, resolver *tariff.Resolver, subject string, loc *time.Location, unit energy.Unit) (report, error) {
	samples, err := mem.QuerySamples(ctx, subject, store.Query{Limit: mem.SampleCount(subject)})
	if err != nil {
		return report{}, err
	}
	samples = withTimestamp(samples)
	if len(samples) == 0 {
		return report{}, errors.New("no measurements")
	}

	// A fallback rate is still a usable rate; the flag shows in the output.
	rate, _ := resolver.Resolve(ctx, subject)
	name, _ := mem.GetCustomerName(ctx, subject)

	return report{
		Subject: subject,
		Name:    name,
		Tariff:  rate,
		Days:    aggregate.Daily(samples, loc, rate.RatePerKWh, unit),
		Total:   aggregate.Range("total", samples, rate.RatePerKWh, unit),
	}, nil
}

// withTimestamp drops rows whose timestamp could not be parsed.
func withTimestamp(samples []model.Sample) []model.Sample {
	out := samples[:0]
	for _, s := range samples {
		if !s.Timestamp.IsZero() {
			out = append(out, s)
		}
	}
	return out
}

func printReport(w io.Writer, r report) {
	fmt.Fprintln(w)
	title := model.MaskSubject(r.Subject)
	if r.Name != "" {
		title += " (" + r.Name + ")"
	}
	fmt.Fprintf(w, "=== %s ===\n", title)
	note := ""
	if r.Tariff.Fallback {
		note = " (default)"
	}
	fmt.Fprintf(w, "  Tariff: %.4f per kWh%s\n", r.Tariff.RatePerKWh, note)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-10s  %10s  %10s  %10s  %10s  %9s\n", "Day", "Gen kWh", "Use kWh", "Bal kWh", "Saved", "Peak W")
	for _, d := range r.Days {
		printRow(w, d.PeriodKey, d)
	}
	printRow(w, "Total", r.Total)
}

func printRow(w io.Writer, label string, a model.EnergyAggregate) {
	fmt.Fprintf(w, "  %-10s  %10.3f  %10.3f  %10.3f  %10.2f  %9.0f\n",
		label,
		aggregate.Round3(a.GeneratedKWh),
		aggregate.Round3(a.ConsumedKWh),
		aggregate.Round3(a.BalanceKWh),
		a.SavedCurrency,
		a.PeakSolarW,
	)
}
