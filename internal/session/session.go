// Package session runs the live telemetry pipeline of one selected subject:
// poll loops and push subscriptions feed bounded windows, from which energy
// aggregates are recomputed and handed to a Callback.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"energy_monitor/internal/aggregate"
	"energy_monitor/internal/device"
	"energy_monitor/internal/energy"
	"energy_monitor/internal/model"
	"energy_monitor/internal/store"
	"energy_monitor/internal/tariff"
	"energy_monitor/internal/window"
)

// ErrInvalidSubject rejects identifiers that do not normalize to 11 digits.
var ErrInvalidSubject = errors.New("invalid subject identifier")

type Config struct {
	LiveInterval  time.Duration
	DayInterval   time.Duration
	RangeInterval time.Duration
	LiveWindow    int
	ChartWindow   int
	DayLimit      int
	RangeLimit    int
	Lookback      aggregate.Lookback
	Unit          energy.Unit
	DeviceID      string
	Location      *time.Location
}

func DefaultConfig() Config {
	return Config{
		LiveInterval:  5 * time.Second,
		DayInterval:   15 * time.Second,
		RangeInterval: 30 * time.Second,
		LiveWindow:    30,
		ChartWindow:   24,
		DayLimit:      store.DefaultQueryLimit,
		RangeLimit:    20000,
		Lookback:      aggregate.Lookback24h,
		Unit:          energy.Watts,
		DeviceID:      "ESP32_PZEM_TESTE",
		Location:      time.Local,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LiveInterval <= 0 {
		c.LiveInterval = d.LiveInterval
	}
	if c.DayInterval <= 0 {
		c.DayInterval = d.DayInterval
	}
	if c.RangeInterval <= 0 {
		c.RangeInterval = d.RangeInterval
	}
	if c.LiveWindow <= 0 {
		c.LiveWindow = d.LiveWindow
	}
	if c.ChartWindow <= 0 {
		c.ChartWindow = d.ChartWindow
	}
	if c.DayLimit <= 0 {
		c.DayLimit = d.DayLimit
	}
	if c.RangeLimit <= 0 {
		c.RangeLimit = d.RangeLimit
	}
	if _, err := aggregate.ParseLookback(string(c.Lookback)); err != nil {
		c.Lookback = d.Lookback
	}
	if c.DeviceID == "" {
		c.DeviceID = d.DeviceID
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	return c
}

// Deps are the data sources of a session. Samples and Devices are required;
// the subscribers and Customers may be nil.
type Deps struct {
	Samples          store.SampleStore
	SampleSubscriber store.SampleSubscriber
	Devices          store.DeviceStore
	DeviceSubscriber store.DeviceSubscriber
	Customers        store.CustomerStore
	Tariffs          *tariff.Resolver
	Logger           *zap.Logger
	Now              func() time.Time
}

func (d Deps) validate() error {
	if d.Samples == nil {
		return errors.New("session: sample store is required")
	}
	if d.Devices == nil {
		return errors.New("session: device store is required")
	}
	return nil
}

// Session owns the timers, subscriptions and derived state of one subject.
// It is started once and stopped once.
type Session struct {
	subject string
	epoch   uint64
	cfg     Config
	deps    Deps
	cb      Callback
	logger  *zap.Logger
	device  *device.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  chan struct{}

	mu       sync.Mutex
	stopped  bool
	loaded   bool
	unsubs   []store.Unsubscribe
	live     *window.Window
	chart    *window.Window
	day      []model.Sample
	rng      []model.Sample
	lookback aggregate.Lookback
	rangeGen uint64
	rate     model.TariffRate
	today    model.EnergyAggregate
	daily    []model.EnergyAggregate
	rangeAgg model.EnergyAggregate
	online   bool
	noData   bool
	name     string
	noName   bool
	lastErr  string
	seq      uint64
}

func newSession(subject string, epoch uint64, cfg Config, deps Deps, cb Callback) *Session {
	logger := deps.Logger.With(zap.String("subject", model.MaskSubject(subject)), zap.Uint64("epoch", epoch))
	s := &Session{
		subject:  subject,
		epoch:    epoch,
		cfg:      cfg,
		deps:     deps,
		cb:       cb,
		logger:   logger,
		ready:    make(chan struct{}),
		live:     window.New(cfg.LiveWindow),
		chart:    window.New(cfg.ChartWindow),
		lookback: cfg.Lookback,
		rate:     model.TariffRate{SubjectID: subject},
	}
	if deps.Tariffs != nil {
		s.rate.RatePerKWh = deps.Tariffs.FallbackRate()
		s.rate.Fallback = true
	}
	s.device = device.NewController(cfg.DeviceID, deps.Devices, logger, s.onDeviceChange)
	return s
}

func (s *Session) Subject() string { return s.subject }

func (s *Session) Epoch() uint64 { return s.epoch }

// Ready is closed once the initial load finished or the session stopped.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Start subscribes to pushes, runs the initial load and starts the poll
// loops. It returns immediately.
func (s *Session) Start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	s.wg.Add(1)
	go s.run()
}

func (s *Session) run() {
	defer s.wg.Done()
	ctx := s.ctx

	s.subscribe(ctx)
	if err := s.load(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("Initial load incomplete", zap.Error(err))
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		close(s.ready)
		return
	}
	s.loaded = true
	s.recomputeLocked()
	noData := s.updateNoDataLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("Session loaded",
		zap.Int("window", len(snap.Window)),
		zap.Int("daily_buckets", len(snap.Daily)),
		zap.Bool("no_data", snap.Status.NoData),
	)
	s.cb.OnSnapshot(snap)
	if noData {
		s.emit(EventNoData, LevelInfo, "no measurements for this subject yet")
	}
	close(s.ready)

	s.wg.Add(3)
	go s.loop(s.cfg.LiveInterval, s.pollLiveAndDevice)
	go s.loop(s.cfg.DayInterval, s.pollDay)
	go s.loop(s.cfg.RangeInterval, func(ctx context.Context) error { return s.pollRange(ctx, s.currentRangeGen()) })
}

// Stop cancels in-flight work and releases subscriptions. It does not wait
// for goroutines; use Wait for that.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	for _, u := range unsubs {
		u()
	}
	s.logger.Info("Session stopped")
}

// Wait blocks until every session goroutine exited.
func (s *Session) Wait() { s.wg.Wait() }

// loop polls every interval. Failures were already reported as events.
func (s *Session) loop(interval time.Duration, poll func(ctx context.Context) error) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = poll(s.ctx)
		}
	}
}

func (s *Session) subscribe(ctx context.Context) {
	if sub := s.deps.SampleSubscriber; sub != nil {
		unsub, err := sub.SubscribeSamples(ctx, s.subject, s.onPushSample)
		if err != nil {
			s.logger.Warn("Sample subscription failed", zap.Error(err))
			s.emit(EventSubscribeFailed, LevelWarning, fmt.Sprintf("live updates unavailable: %v", err))
		} else {
			s.addUnsub(unsub)
		}
	}
	if sub := s.deps.DeviceSubscriber; sub != nil {
		unsub, err := sub.SubscribeDeviceState(ctx, s.cfg.DeviceID, s.device.Apply)
		if err != nil {
			s.logger.Warn("Device subscription failed", zap.Error(err))
			s.emit(EventSubscribeFailed, LevelWarning, fmt.Sprintf("relay updates unavailable: %v", err))
		} else {
			s.addUnsub(unsub)
		}
	}
}

func (s *Session) addUnsub(u store.Unsubscribe) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		u()
		return
	}
	s.unsubs = append(s.unsubs, u)
	s.mu.Unlock()
}

// load runs the initial fetches concurrently and returns the first failure.
// A failed fetch does not cancel the others: failures become events and the
// session starts with whatever succeeded.
func (s *Session) load(ctx context.Context) error {
	gen := s.currentRangeGen()

	var g errgroup.Group
	g.Go(func() error { return s.pollLive(ctx) })
	g.Go(func() error { return s.pollDay(ctx) })
	g.Go(func() error { return s.pollRange(ctx, gen) })
	g.Go(func() error { s.resolveTariff(ctx); return nil })
	g.Go(func() error { return s.lookupName(ctx) })
	g.Go(func() error { return s.readDevice(ctx) })
	return g.Wait()
}

func (s *Session) now() time.Time {
	if s.deps.Now != nil {
		return s.deps.Now()
	}
	return time.Now()
}

// activeLocked reports whether results may still be applied.
func (s *Session) activeLocked() bool {
	return !s.stopped && s.ctx != nil && s.ctx.Err() == nil
}

func (s *Session) currentRangeGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeGen
}

func (s *Session) pollLiveAndDevice(ctx context.Context) error {
	liveErr := s.pollLive(ctx)
	if err := s.readDevice(ctx); err != nil {
		return err
	}
	return liveErr
}

func (s *Session) pollLive(ctx context.Context) error {
	samples, err := s.deps.Samples.QuerySamples(ctx, s.subject, store.Query{Latest: true})
	if err != nil {
		s.pollFailed(ctx, "live", err)
		return fmt.Errorf("live poll: %w", err)
	}
	s.acceptSamples(samples)
	return nil
}

func (s *Session) pollDay(ctx context.Context) error {
	since := aggregate.StartOfDay(s.now(), s.cfg.Location)
	samples, err := s.deps.Samples.QuerySamples(ctx, s.subject, store.Query{Since: since, Limit: s.cfg.DayLimit, Newest: true})
	if err != nil {
		s.pollFailed(ctx, "day", err)
		return fmt.Errorf("day poll: %w", err)
	}

	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return nil
	}
	s.day = trimSince(window.Merge(s.day, samples...), since, s.cfg.DayLimit)
	s.recomputeTodayLocked()
	s.afterPollLocked()
	return nil
}

func (s *Session) pollRange(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	lb := s.lookback
	s.mu.Unlock()

	since := lb.Since(s.now())
	samples, err := s.deps.Samples.QuerySamples(ctx, s.subject, store.Query{Since: since, Limit: s.cfg.RangeLimit, Newest: true})
	if err != nil {
		s.pollFailed(ctx, "range", err)
		return fmt.Errorf("range poll: %w", err)
	}

	s.mu.Lock()
	if !s.activeLocked() || gen != s.rangeGen {
		s.mu.Unlock()
		return nil
	}
	s.rng = trimSince(window.Merge(s.rng, samples...), since, s.cfg.RangeLimit)
	s.recomputeRangeLocked()
	s.afterPollLocked()
	return nil
}

// afterPollLocked refreshes the status, unlocks and emits the aggregate
// update and a no_data notice when the subject just became empty.
func (s *Session) afterPollLocked() {
	if !s.loaded {
		s.mu.Unlock()
		return
	}
	s.lastErr = ""
	noData := s.updateNoDataLocked()
	upd := s.aggregateUpdateLocked()
	s.mu.Unlock()

	s.cb.OnAggregates(upd)
	if noData {
		s.emit(EventNoData, LevelInfo, "no measurements for this subject yet")
	}
}

func (s *Session) pollFailed(ctx context.Context, channel string, err error) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return
	}
	s.lastErr = err.Error()
	if channel == "live" {
		s.online = false
	}
	s.mu.Unlock()

	s.logger.Warn("Poll failed", zap.String("channel", channel), zap.Error(err))
	s.emit(EventPollFailed, LevelWarning, fmt.Sprintf("%s poll failed: %v", channel, err))
}

func (s *Session) onPushSample(sample model.Sample) {
	if sample.SubjectID != "" && sample.SubjectID != s.subject {
		return
	}
	s.acceptSamples([]model.Sample{sample})
}

// acceptSamples merges live or pushed samples into every view they fall in.
func (s *Session) acceptSamples(samples []model.Sample) {
	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return
	}

	s.live.Merge(samples...)
	s.chart.Merge(samples...)
	if s.live.Len() > 0 {
		s.online = true
	}

	now := s.now()
	dayStart := aggregate.StartOfDay(now, s.cfg.Location)
	rangeStart := s.lookback.Since(now)

	var dayIn, rangeIn []model.Sample
	for _, sample := range samples {
		if sample.Timestamp.IsZero() {
			continue
		}
		if !sample.Timestamp.Before(dayStart) {
			dayIn = append(dayIn, sample)
		}
		if !sample.Timestamp.Before(rangeStart) {
			rangeIn = append(rangeIn, sample)
		}
	}
	if len(dayIn) > 0 {
		s.day = trimSince(window.Merge(s.day, dayIn...), dayStart, s.cfg.DayLimit)
		s.recomputeTodayLocked()
	}
	if len(rangeIn) > 0 {
		s.rng = trimSince(window.Merge(s.rng, rangeIn...), rangeStart, s.cfg.RangeLimit)
		s.recomputeRangeLocked()
	}

	if !s.loaded {
		s.mu.Unlock()
		return
	}
	noData := s.updateNoDataLocked()
	win := s.windowLocked()
	var agg *AggregateUpdate
	if len(dayIn) > 0 || len(rangeIn) > 0 {
		u := s.aggregateUpdateLocked()
		agg = &u
	}
	s.mu.Unlock()

	s.cb.OnWindow(win)
	if agg != nil {
		s.cb.OnAggregates(*agg)
	}
	if noData {
		s.emit(EventNoData, LevelInfo, "no measurements for this subject yet")
	}
}

func (s *Session) resolveTariff(ctx context.Context) {
	if s.deps.Tariffs == nil {
		return
	}
	rate, err := s.deps.Tariffs.Resolve(ctx, s.subject)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return
	}
	s.rate = rate
	s.recomputeLocked()
	loaded := s.loaded
	upd := s.aggregateUpdateLocked()
	s.mu.Unlock()

	if loaded {
		s.cb.OnAggregates(upd)
	}
	if errors.Is(err, tariff.ErrFallback) {
		s.emit(EventTariffFallback, LevelInfo,
			fmt.Sprintf("using default tariff %.2f/kWh", rate.RatePerKWh))
	}
}

func (s *Session) lookupName(ctx context.Context) error {
	if s.deps.Customers == nil {
		return nil
	}
	name, err := s.deps.Customers.GetCustomerName(ctx, s.subject)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Customer lookup failed", zap.Error(err))
		return fmt.Errorf("customer lookup: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked() {
		return nil
	}
	s.name = name
	s.noName = errors.Is(err, store.ErrNotFound)
	return nil
}

func (s *Session) readDevice(ctx context.Context) error {
	var err error
	if s.device.State().Relay.Known() {
		err = s.device.Refresh(ctx)
	} else {
		err = s.device.Bind(ctx)
	}
	if err == nil || ctx.Err() != nil {
		return nil
	}
	s.logger.Warn("Device read failed", zap.Error(err))
	s.emit(EventDeviceReadFailed, LevelWarning, err.Error())
	return fmt.Errorf("device read: %w", err)
}

func (s *Session) onDeviceChange(st model.DeviceControlState) {
	s.mu.Lock()
	ok := s.activeLocked() && s.loaded
	s.mu.Unlock()
	if ok {
		s.cb.OnDevice(s.subject, st)
	}
}

// Toggle flips the relay. ErrUnknownState and ErrWritePending are returned
// as is; write failures are rolled back and also reported as an event.
func (s *Session) Toggle(ctx context.Context) error {
	err := s.device.Toggle(ctx)
	if err == nil || errors.Is(err, device.ErrUnknownState) || errors.Is(err, device.ErrWritePending) {
		return err
	}
	s.emit(EventDeviceWriteFailed, LevelWarning, err.Error())
	return err
}

// SetLookback switches the range view. Range samples are dropped and
// refetched; results of polls started for the old lookback are discarded.
func (s *Session) SetLookback(lb aggregate.Lookback) {
	s.mu.Lock()
	if !s.activeLocked() || lb == s.lookback {
		s.mu.Unlock()
		return
	}
	s.lookback = lb
	s.rangeGen++
	gen := s.rangeGen
	s.rng = nil
	s.recomputeRangeLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.pollRange(s.ctx, gen)
	}()
}

func (s *Session) emit(kind EventKind, level Level, msg string) {
	s.mu.Lock()
	ok := s.activeLocked()
	s.mu.Unlock()
	if !ok {
		return
	}
	s.cb.OnEvent(newEvent(s.subject, kind, level, msg, s.now()))
}

func (s *Session) recomputeLocked() {
	s.recomputeTodayLocked()
	s.recomputeRangeLocked()
}

func (s *Session) recomputeTodayLocked() {
	key := aggregate.DayKey(s.now(), s.cfg.Location)
	s.today = aggregate.Range(key, s.day, s.rate.RatePerKWh, s.cfg.Unit)
}

func (s *Session) recomputeRangeLocked() {
	s.rangeAgg = aggregate.Range(string(s.lookback), s.rng, s.rate.RatePerKWh, s.cfg.Unit)
	s.daily = aggregate.Daily(s.rng, s.cfg.Location, s.rate.RatePerKWh, s.cfg.Unit)
}

// updateNoDataLocked reports true when the subject just turned empty.
func (s *Session) updateNoDataLocked() bool {
	empty := s.live.Len() == 0 && len(s.day) == 0 && len(s.rng) == 0
	became := empty && !s.noData
	s.noData = empty
	if empty {
		s.online = false
	}
	return became
}

func (s *Session) statusLocked() Status {
	return Status{
		Loading:      !s.loaded,
		Online:       s.online,
		NoData:       s.noData,
		CustomerName: s.name,
		NameNotFound: s.noName,
		Lookback:     string(s.lookback),
		Unit:         s.cfg.Unit.String(),
		LastError:    s.lastErr,
	}
}

func (s *Session) liveLocked() model.LiveReading {
	latest, ok := s.live.Latest()
	if !ok {
		return model.LiveReading{}
	}
	r := model.LiveFromSample(latest)
	r.Online = s.online
	return r
}

// nextSeqLocked numbers outgoing updates so receivers can drop stale ones.
func (s *Session) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

func (s *Session) windowLocked() WindowUpdate {
	return WindowUpdate{
		Seq:     s.nextSeqLocked(),
		Subject: s.subject,
		Live:    s.liveLocked(),
		Window:  s.live.Samples(),
		Chart:   s.chart.Samples(),
		Status:  s.statusLocked(),
	}
}

func (s *Session) aggregatesLocked() AggregateUpdate {
	daily := make([]model.EnergyAggregate, len(s.daily))
	copy(daily, s.daily)
	return AggregateUpdate{
		Subject:  s.subject,
		Lookback: string(s.lookback),
		Today:    s.today,
		Daily:    daily,
		Range:    s.rangeAgg,
		Tariff:   s.rate,
	}
}

func (s *Session) aggregateUpdateLocked() AggregateUpdate {
	u := s.aggregatesLocked()
	u.Seq = s.nextSeqLocked()
	return u
}

func (s *Session) snapshotLocked() Snapshot {
	agg := s.aggregatesLocked()
	return Snapshot{
		Seq:           s.seq,
		Subject:       s.subject,
		SubjectMasked: model.MaskSubject(s.subject),
		Live:          s.liveLocked(),
		Window:        s.live.Samples(),
		Chart:         s.chart.Samples(),
		Today:         agg.Today,
		Daily:         agg.Daily,
		Range:         agg.Range,
		Tariff:        agg.Tariff,
		Device:        s.device.State(),
		Status:        s.statusLocked(),
	}
}

// Snapshot returns the current derived state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// trimSince keeps samples at or after since, newest limit of them. samples
// must be sorted by time.
func trimSince(samples []model.Sample, since time.Time, limit int) []model.Sample {
	start := sort.Search(len(samples), func(i int) bool {
		return !samples[i].Timestamp.Before(since)
	})
	samples = samples[start:]
	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples
}
