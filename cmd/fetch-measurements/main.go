package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"energy_monitor/internal/config"
	"energy_monitor/internal/ingest"
	"energy_monitor/internal/logger"
	"energy_monitor/internal/model"
	"energy_monitor/internal/store"
	"energy_monitor/internal/window"
)

func main() {
	subjectFlag := flag.String("subject", "", "subject identifier to export (overrides SUBJECT)")
	days := flag.Int("days", 7, "days to fetch on first run (ignored if output file has data)")
	page := flag.Int("page", store.DefaultQueryLimit, "rows per query")
	output := flag.String("output", "input/measurements.csv", "output CSV path")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, "console", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	subject := model.NormalizeSubject(resolveFlag(*subjectFlag, cfg.Session.Subject))
	if !model.ValidSubject(subject) {
		log.Fatal("SUBJECT not set or invalid: use -subject or set SUBJECT in .env")
	}

	ctx := context.Background()
	src, closeSrc, err := openSource(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open source", zap.Error(err))
	}
	defer closeSrc()

	existing, latest, err := loadExisting(*output)
	if err != nil {
		log.Fatal("Existing output is unreadable, refusing to overwrite it",
			zap.String("path", *output), zap.Error(err))
	}

	var since time.Time
	if !latest.IsZero() {
		since = latest.Add(-time.Minute)
		log.Info("Resuming", zap.Time("since", since))
	} else {
		since = time.Now().AddDate(0, 0, -*days)
		log.Info("First run", zap.Int("days", *days), zap.Time("since", since))
	}

	fetched, err := fetchAll(ctx, src, subject, since, *page, log)
	if err != nil {
		log.Fatal("Failed to fetch measurements", zap.Error(err))
	}

	merged := window.Merge(existing, fetched...)

	if err := os.MkdirAll(filepath.Dir(*output), 0o755); err != nil {
		log.Fatal("Failed to create output directory", zap.Error(err))
	}
	if err := writeFile(*output, merged); err != nil {
		log.Fatal("Failed to write CSV", zap.Error(err))
	}

	log.Info("Export written",
		zap.String("path", *output),
		zap.Int("records", len(merged)),
		zap.Int("existing", len(existing)),
		zap.Int("fetched", len(fetched)),
	)
}

// openSource returns the configured query backend. The memory backend has
// nothing to export from.
func openSource(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.SampleStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.Database.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	case config.BackendREST:
		return store.NewREST(store.RESTConfig{
			BaseURL:    cfg.REST.BaseURL,
			APIKey:     cfg.REST.APIKey,
			Timeout:    cfg.REST.Timeout,
			RetryCount: cfg.REST.RetryCount,
		}, log), func() {}, nil
	}
	return nil, nil, fmt.Errorf("STORE_BACKEND must be %s or %s", config.BackendPostgres, config.BackendREST)
}

// fetchAll pages through the subject's measurements from since onwards. Each
// page starts at the last timestamp seen; overlap is removed by ID.
func fetchAll(ctx context.Context, src store.SampleStore, subject string, since time.Time, page int, log *zap.Logger) ([]model.Sample, error) {
	if page <= 0 {
		page = store.DefaultQueryLimit
	}

	var out []model.Sample
	for {
		batch, err := src.QuerySamples(ctx, subject, store.Query{Since: since, Limit: page})
		if err != nil {
			return nil, fmt.Errorf("fetching from %s: %w", since.Format(time.RFC3339), err)
		}
		out = window.Merge(out, batch...)
		log.Info("Fetched page", zap.Time("since", since), zap.Int("rows", len(batch)))

		if len(batch) < page {
			return out, nil
		}
		next := batch[len(batch)-1].Timestamp
		if !next.After(since) {
			// A full page at one instant; step past it.
			log.Warn("Page did not advance, skipping ahead", zap.Time("at", since))
			next = since.Add(time.Millisecond)
		}
		since = next
	}
}

// loadExisting reads a previous export. A missing or empty file is a first
// run; any other failure is returned so the file is not overwritten.
func loadExisting(path string) ([]model.Sample, time.Time, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()

	samples, err := ingest.MeasurementsParser{}.Parse(f)
	if errors.Is(err, io.EOF) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	samples = window.Merge(nil, samples...)
	if len(samples) == 0 {
		return nil, time.Time{}, nil
	}
	return samples, samples[len(samples)-1].Timestamp, nil
}

func writeFile(path string, samples []model.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ingest.WriteMeasurements(f, samples); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func resolveFlag(flagVal, fallback string) string {
	if flagVal != "" {
		return flagVal
	}
	return fallback
}
