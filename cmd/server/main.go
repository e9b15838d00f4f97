package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"energy_monitor/internal/api"
	"energy_monitor/internal/config"
	"energy_monitor/internal/ingest"
	"energy_monitor/internal/logger"
	"energy_monitor/internal/model"
	"energy_monitor/internal/mqttbus"
	"energy_monitor/internal/publish"
	"energy_monitor/internal/session"
	"energy_monitor/internal/store"
	"energy_monitor/internal/tariff"
	"energy_monitor/internal/ws"
)

const serviceName = "energy-monitor"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

// closers are released in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var cleanup closers
	defer cleanup.run()

	backend, push, err := openBackend(ctx, cfg, log, &cleanup)
	if err != nil {
		return err
	}

	if cfg.MQTT.Broker != "" {
		bus, err := mqttbus.Connect(mqttbus.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, log)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		cleanup.add(bus.Close)
		push = append(push, bus)
	}

	sink, cache := openSinks(cfg, log, &cleanup)

	hub := ws.NewHub(log)
	callbacks := session.Callbacks{ws.NewBridge(hub, log)}
	if sink != nil {
		callbacks = append(callbacks, publish.NewForwarder(sink, log))
	}

	deps := session.Deps{
		Samples:   backend,
		Devices:   backend,
		Customers: backend,
		Tariffs:   tariff.NewResolver(backend, cfg.Session.FallbackRate, log),
		Logger:    log,
	}
	if len(push) > 0 {
		deps.SampleSubscriber = push
		deps.DeviceSubscriber = push
	}

	mgr, err := session.NewManager(ctx, cfg.SessionConfig(), deps, callbacks)
	if err != nil {
		return err
	}
	cleanup.add(mgr.Close)

	if cfg.Session.Subject != "" {
		if _, err := mgr.Select(cfg.Session.Subject); err != nil {
			log.Warn("Ignoring configured subject", zap.Error(err))
		}
	}

	var reports api.ReportReader
	if cache != nil {
		reports = cache
	}
	srv := api.NewServer(mgr, hub, reports, log)
	router := srv.Router(ws.NewHandler(hub, mgr, log))

	// Serve frontend static files
	if _, err := os.Stat(cfg.HTTP.FrontendDir); err == nil {
		log.Info("Serving frontend", zap.String("dir", cfg.HTTP.FrontendDir))
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.HTTP.FrontendDir)))
	}

	server := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     api.Wrap(router, log),
		ReadTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openBackend connects the configured query store and the push sources that
// come with it.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger, cleanup *closers) (store.Backend, store.Fanout, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.Database.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() { pg.Close() })
		if !cfg.Database.Listen {
			return pg, nil, nil
		}
		n := store.NewNotifier(cfg.Database.DSN, log)
		if err := n.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("starting notifier: %w", err)
		}
		cleanup.add(func() { n.Close() })
		return pg, store.Fanout{n}, nil

	case config.BackendREST:
		return store.NewREST(store.RESTConfig{
			BaseURL:    cfg.REST.BaseURL,
			APIKey:     cfg.REST.APIKey,
			Timeout:    cfg.REST.Timeout,
			RetryCount: cfg.REST.RetryCount,
		}, log), nil, nil

	default:
		mem := store.NewMemory()
		if err := seedMemory(cfg.Store.SeedDir, mem, log); err != nil {
			log.Warn("Seed data not loaded", zap.Error(err))
		}
		return mem, store.Fanout{mem}, nil
	}
}

// openSinks builds the report publishers. Both return values are nil when
// neither Redis nor Kafka is configured.
func openSinks(cfg *config.Config, log *zap.Logger, cleanup *closers) (publish.Sink, *publish.CacheSink) {
	var sinks publish.Multi
	var cache *publish.CacheSink

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup.add(func() { client.Close() })
		cache = publish.NewCacheSink(publish.NewRedisKVStore(client), cfg.Redis.TTL, log)
		sinks = append(sinks, cache)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k := publish.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		cleanup.add(func() { k.Close() })
		sinks = append(sinks, k)
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, cache
}

// seedMemory loads CSV exports from dir: customers.csv holds the customers
// table, every other .csv file holds measurements.
func seedMemory(dir string, mem *store.Memory, log *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading input directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		log.Info("Loading seed file", zap.String("path", path))

		if entry.Name() == "customers.csv" {
			n, err := loadCustomers(path, mem)
			if err != nil {
				return err
			}
			log.Info("Loaded customers", zap.Int("count", n), zap.String("file", entry.Name()))
			continue
		}

		samples, err := loadSamples(path, ingest.MeasurementsParser{})
		if err != nil {
			return err
		}
		if len(samples) > 0 {
			mem.AddSamples(samples...)
			tr := extendTimeRange(model.TimeRange{}, samples)
			log.Info("Loaded measurements",
				zap.Int("count", len(samples)),
				zap.String("file", entry.Name()),
				zap.Time("from", tr.Start),
				zap.Time("to", tr.End),
			)
		}
	}
	return nil
}

func loadSamples(path string, p ingest.Parser) ([]model.Sample, error) {
	return parseFile(path, p.Parse)
}

func loadCustomers(path string, mem *store.Memory) (int, error) {
	customers, err := parseFile(path, ingest.ParseCustomers)
	if err != nil {
		return 0, err
	}
	for _, c := range customers {
		mem.PutCustomer(c)
	}
	return len(customers), nil
}

func parseFile[T any](path string, parse func(io.Reader) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	out, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return out, nil
}

// extendTimeRange extends tr to include the min/max timestamps from samples.
// Samples without a timestamp are ignored.
func extendTimeRange(tr model.TimeRange, samples []model.Sample) model.TimeRange {
	for _, s := range samples {
		if s.Timestamp.IsZero() {
			continue
		}
		if tr.Start.IsZero() || s.Timestamp.Before(tr.Start) {
			tr.Start = s.Timestamp
		}
		if s.Timestamp.After(tr.End) {
			tr.End = s.Timestamp
		}
	}
	return tr
}
