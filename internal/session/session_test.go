package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"energy_monitor/internal/model"
	"energy_monitor/internal/store"
	"energy_monitor/internal/tariff"
)

const (
	subjectA = "12345678901"
	subjectB = "98765432100"
)

var now = time.Date(2024, 11, 21, 14, 0, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
	windows   []WindowUpdate
	aggs      []AggregateUpdate
	devices   []model.DeviceControlState
	events    []Event
	subjects  map[string]int
}

func newRecorder() *recorder { return &recorder{subjects: make(map[string]int)} }

func (r *recorder) OnSnapshot(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
	r.subjects[s.Subject]++
}

func (r *recorder) OnWindow(u WindowUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, u)
	r.subjects[u.Subject]++
}

func (r *recorder) OnAggregates(u AggregateUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggs = append(r.aggs, u)
	r.subjects[u.Subject]++
}

func (r *recorder) OnDevice(subject string, st model.DeviceControlState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, st)
	r.subjects[subject]++
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	r.subjects[e.Subject]++
}

func (r *recorder) eventsOf(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) seen(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subjects[subject]
}

func (r *recorder) windowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// testStore wraps Memory with injectable failures and per-subject blocking.
type testStore struct {
	*store.Memory

	mu       sync.Mutex
	queryErr error
	writeErr error
	block    map[string]chan struct{}
	queries  int
}

func newTestStore() *testStore {
	return &testStore{Memory: store.NewMemory(), block: make(map[string]chan struct{})}
}

func (s *testStore) QuerySamples(_ context.Context, subjectID string, q store.Query) ([]model.Sample, error) {
	s.mu.Lock()
	s.queries++
	err := s.queryErr
	gate := s.block[subjectID]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	// ignores cancellation on purpose so late results can be observed
	return s.Memory.QuerySamples(context.Background(), subjectID, q)
}

func (s *testStore) SetDeviceState(ctx context.Context, deviceID string, relayOn bool) error {
	s.mu.Lock()
	err := s.writeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Memory.SetDeviceState(ctx, deviceID, relayOn)
}

func (s *testStore) setQueryErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LiveInterval = time.Hour
	cfg.DayInterval = time.Hour
	cfg.RangeInterval = time.Hour
	cfg.Location = time.UTC
	return cfg
}

func newTestManager(t *testing.T, st *testStore, cfg Config, cb Callback) *Manager {
	t.Helper()
	deps := Deps{
		Samples:          st,
		SampleSubscriber: st.Memory,
		Devices:          st,
		DeviceSubscriber: st.Memory,
		Customers:        st.Memory,
		Tariffs:          tariff.NewResolver(st.Memory, 0, zap.NewNop()),
		Logger:           zap.NewNop(),
		Now:              func() time.Time { return now },
	}
	m, err := NewManager(context.Background(), cfg, deps, cb)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func waitReady(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish loading")
	}
}

// seedRamp stores 0 W at 12:00 and 2000 W at 13:00 today: 1 kWh generated.
func seedRamp(st *testStore, subject string) {
	st.AddSamples(
		model.Sample{SubjectID: subject, Timestamp: now.Add(-2 * time.Hour), SolarPowerW: 0, ConsumptionPowerW: 500},
		model.Sample{SubjectID: subject, Timestamp: now.Add(-time.Hour), SolarPowerW: 2000, ConsumptionPowerW: 500},
	)
}

func TestNewManager_RequiresStores(t *testing.T) {
	_, err := NewManager(context.Background(), DefaultConfig(), Deps{}, nil)
	assert.Error(t, err)

	_, err = NewManager(context.Background(), DefaultConfig(), Deps{Samples: store.NewMemory()}, nil)
	assert.Error(t, err)
}

func TestManager_SelectValidatesSubject(t *testing.T) {
	m := newTestManager(t, newTestStore(), testConfig(), newRecorder())

	_, err := m.Select("123.456")
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, ok := m.Current()
	assert.False(t, ok)

	s, err := m.Select("123.456.789-01")
	require.NoError(t, err)
	assert.Equal(t, subjectA, s.Subject())
}

func TestManager_SelectSameSubjectKeepsSession(t *testing.T) {
	m := newTestManager(t, newTestStore(), testConfig(), newRecorder())

	s1, err := m.Select(subjectA)
	require.NoError(t, err)
	epoch := m.Epoch()

	s2, err := m.Select("123.456.789-01")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, epoch, m.Epoch())
}

func TestSession_InitialLoad(t *testing.T) {
	st := newTestStore()
	seedRamp(st, subjectA)
	st.PutCustomer(model.Customer{SubjectID: subjectA, Name: "Ana Lima", TariffPerKWh: 0.8})
	rec := newRecorder()
	m := newTestManager(t, st, testConfig(), rec)

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)

	snap := s.Snapshot()
	assert.Equal(t, subjectA, snap.Subject)
	assert.Equal(t, "123.456.789-01", snap.SubjectMasked)
	assert.False(t, snap.Status.Loading)
	assert.False(t, snap.Status.NoData)
	assert.True(t, snap.Status.Online)
	assert.Equal(t, "Ana Lima", snap.Status.CustomerName)
	assert.Equal(t, "24h", snap.Status.Lookback)

	// live view only got the latest sample
	require.Len(t, snap.Window, 1)
	assert.InDelta(t, 2000.0, snap.Live.SolarPowerW, 1e-9)
	assert.InDelta(t, 1500.0, snap.Live.NetW, 1e-9)

	assert.Equal(t, "2024-11-21", snap.Today.PeriodKey)
	assert.InDelta(t, 1.0, snap.Today.GeneratedKWh, 1e-9)
	assert.InDelta(t, 0.5, snap.Today.ConsumedKWh, 1e-9)
	assert.InDelta(t, 0.5, snap.Today.BalanceKWh, 1e-9)
	assert.InDelta(t, 0.8, snap.Today.SavedCurrency, 1e-9)

	assert.False(t, snap.Tariff.Fallback)
	assert.InDelta(t, 0.8, snap.Tariff.RatePerKWh, 1e-9)

	assert.Equal(t, "24h", snap.Range.PeriodKey)
	assert.Equal(t, 2, snap.Range.Samples)
	require.Len(t, snap.Daily, 1)

	assert.Equal(t, model.RelayOff, snap.Device.Relay)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.snapshots, 1)
	assert.Empty(t, rec.windows, "no incremental updates before the initial snapshot")
}

func TestSession_TariffFallback(t *testing.T) {
	st := newTestStore()
	seedRamp(st, subjectA)
	rec := newRecorder()
	m := newTestManager(t, st, testConfig(), rec)

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)

	snap := s.Snapshot()
	assert.True(t, snap.Tariff.Fallback)
	assert.InDelta(t, tariff.DefaultFallbackRate, snap.Tariff.RatePerKWh, 1e-9)
	assert.InDelta(t, snap.Today.GeneratedKWh*tariff.DefaultFallbackRate, snap.Today.SavedCurrency, 1e-9)
	assert.True(t, snap.Status.NameNotFound)

	events := rec.eventsOf(EventTariffFallback)
	require.Len(t, events, 1)
	assert.Equal(t, LevelInfo, events[0].Level)
	assert.Equal(t, subjectA, events[0].Subject)
}

func TestSession_NoData(t *testing.T) {
	rec := newRecorder()
	m := newTestManager(t, newTestStore(), testConfig(), rec)

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)

	snap := s.Snapshot()
	assert.True(t, snap.Status.NoData)
	assert.False(t, snap.Status.Online)
	assert.Empty(t, snap.Window)
	assert.Zero(t, snap.Today.GeneratedKWh)

	require.Len(t, rec.eventsOf(EventNoData), 1)
	assert.Empty(t, rec.eventsOf(EventPollFailed), "no data is not an error")
}

func TestSession_PushMergesAndRecomputes(t *testing.T) {
	st := newTestStore()
	seedRamp(st, subjectA)
	rec := newRecorder()
	m := newTestManager(t, st, testConfig(), rec)

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)

	// 13:00 -> 13:30 at a constant 2000 W adds 1 kWh
	added := st.AddSamples(model.Sample{SubjectID: subjectA, Timestamp: now.Add(-30 * time.Minute), SolarPowerW: 2000})
	require.Len(t, added, 1)

	snap := s.Snapshot()
	assert.Len(t, snap.Window, 2)
	assert.InDelta(t, 2.0, snap.Today.GeneratedKWh, 1e-9)
	assert.Equal(t, 1, rec.windowCount())

	// Same ID again replaces instead of duplicating
	replaced := added[0]
	replaced.SolarPowerW = 0
	st.AddSamples(replaced)

	snap = s.Snapshot()
	assert.Len(t, snap.Window, 2)
	assert.InDelta(t, 1.5, snap.Today.GeneratedKWh, 1e-9)

	// Pushes for other subjects are not routed here
	st.AddSamples(model.Sample{SubjectID: subjectB, Timestamp: now, SolarPowerW: 9000})
	assert.Len(t, s.Snapshot().Window, 2)
}

func TestSession_BoundedPollsKeepNewestSamples(t *testing.T) {
	st := newTestStore()
	// 30 samples 20 minutes apart at a constant 1000 W, all today
	for i := 0; i < 30; i++ {
		st.AddSamples(model.Sample{
			SubjectID:   subjectA,
			Timestamp:   now.Add(-time.Duration(29-i) * 20 * time.Minute),
			SolarPowerW: 1000,
		})
	}
	cfg := testConfig()
	cfg.RangeLimit = 10
	cfg.DayLimit = 10
	m := newTestManager(t, st, cfg, newRecorder())

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)

	snap := s.Snapshot()
	// newest 10 samples span 3h
	assert.Equal(t, 10, snap.Range.Samples)
	assert.InDelta(t, 3.0, snap.Range.GeneratedKWh, 1e-9)
	assert.Equal(t, 10, snap.Today.Samples)
	assert.InDelta(t, 3.0, snap.Today.GeneratedKWh, 1e-9)
	require.Len(t, snap.Daily, 1)
	assert.InDelta(t, 3.0, snap.Daily[0].GeneratedKWh, 1e-9)
}

func TestSession_PollFailureKeepsSamples(t *testing.T) {
	st := newTestStore()
	seedRamp(st, subjectA)
	rec := newRecorder()
	cfg := testConfig()
	cfg.LiveInterval = 10 * time.Millisecond
	m := newTestManager(t, st, cfg, rec)

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)

	st.setQueryErr(errors.New("connection refused"))

	require.Eventually(t, func() bool {
		return len(rec.eventsOf(EventPollFailed)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	snap := s.Snapshot()
	assert.Len(t, snap.Window, 1, "retained samples stay available")
	assert.InDelta(t, 1.0, snap.Today.GeneratedKWh, 1e-9)
	assert.False(t, snap.Status.Online)
	assert.Contains(t, snap.Status.LastError, "connection refused")

	ev := rec.eventsOf(EventPollFailed)[0]
	assert.Equal(t, LevelWarning, ev.Level)
	assert.NotEqual(t, uuid.Nil, ev.ID)
}

func TestSession_LoadReturnsFirstFailure(t *testing.T) {
	st := newTestStore()
	st.PutCustomer(model.Customer{SubjectID: subjectA, Name: "Ana Lima", TariffPerKWh: 0.8})
	boom := errors.New("connection refused")
	st.setQueryErr(boom)

	deps := Deps{
		Samples:   st,
		Devices:   st,
		Customers: st.Memory,
		Tariffs:   tariff.NewResolver(st.Memory, 0, zap.NewNop()),
		Logger:    zap.NewNop(),
		Now:       func() time.Time { return now },
	}
	s := newSession(subjectA, 1, testConfig(), deps, newRecorder())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	err := s.load(s.ctx)
	require.ErrorIs(t, err, boom)

	// the other fetches still ran to completion
	snap := s.Snapshot()
	assert.Equal(t, "Ana Lima", snap.Status.CustomerName)
	assert.InDelta(t, 0.8, snap.Tariff.RatePerKWh, 1e-9)
	assert.Equal(t, model.RelayOff, snap.Device.Relay)
}

func TestGuard_DropsStaleUpdates(t *testing.T) {
	rec := newRecorder()
	m := newTestManager(t, newTestStore(), testConfig(), nil)
	g := &guard{m: m, epoch: m.Epoch(), next: rec}

	g.OnWindow(WindowUpdate{Seq: 2, Subject: subjectA})
	g.OnWindow(WindowUpdate{Seq: 1, Subject: subjectA})
	g.OnWindow(WindowUpdate{Seq: 3, Subject: subjectA})
	g.OnAggregates(AggregateUpdate{Seq: 5, Subject: subjectA})
	g.OnAggregates(AggregateUpdate{Seq: 4, Subject: subjectA})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.windows, 2)
	assert.Equal(t, uint64(2), rec.windows[0].Seq)
	assert.Equal(t, uint64(3), rec.windows[1].Seq)
	require.Len(t, rec.aggs, 1)
	assert.Equal(t, uint64(5), rec.aggs[0].Seq)
}

func TestSession_UpdatesCarryIncreasingSeq(t *testing.T) {
	st := newTestStore()
	seedRamp(st, subjectA)
	rec := newRecorder()
	m := newTestManager(t, st, testConfig(), rec)

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)

	st.AddSamples(model.Sample{SubjectID: subjectA, Timestamp: now.Add(-30 * time.Minute), SolarPowerW: 2000})
	st.AddSamples(model.Sample{SubjectID: subjectA, Timestamp: now.Add(-10 * time.Minute), SolarPowerW: 1000})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.snapshots, 1)
	require.Len(t, rec.windows, 2)
	require.Len(t, rec.aggs, 2)
	assert.Greater(t, rec.windows[0].Seq, rec.snapshots[0].Seq)
	assert.Greater(t, rec.aggs[0].Seq, rec.windows[0].Seq)
	assert.Greater(t, rec.windows[1].Seq, rec.aggs[0].Seq)
	assert.Greater(t, rec.aggs[1].Seq, rec.windows[1].Seq)
}

func TestManager_LateResultIgnoredAfterSwitch(t *testing.T) {
	st := newTestStore()
	seedRamp(st, subjectA)
	seedRamp(st, subjectB)
	// A has a tariff so nothing is emitted for it before the switch
	st.PutCustomer(model.Customer{SubjectID: subjectA, Name: "A", TariffPerKWh: 0.9})
	gate := make(chan struct{})
	st.block[subjectA] = gate

	rec := newRecorder()
	m := newTestManager(t, st, testConfig(), rec)

	a, err := m.Select(subjectA)
	require.NoError(t, err)

	b, err := m.Select(subjectB)
	require.NoError(t, err)
	waitReady(t, b)

	// A's queries complete only now, after the switch
	close(gate)
	waitReady(t, a)

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stopped session did not exit")
	}

	assert.Zero(t, rec.seen(subjectA), "nothing from the old subject may reach the callback")
	assert.Empty(t, a.Snapshot().Window)
	assert.Zero(t, a.Snapshot().Today.Samples)

	snap, ok := m.Snapshot()
	require.True(t, ok)
	assert.Equal(t, subjectB, snap.Subject)
	assert.Len(t, snap.Window, 1)

	// Pushes for A after the switch are not applied either
	st.AddSamples(model.Sample{SubjectID: subjectA, Timestamp: now, SolarPowerW: 100})
	assert.Empty(t, a.Snapshot().Window)
	assert.Zero(t, rec.seen(subjectA))
}

func TestManager_SetLookback(t *testing.T) {
	st := newTestStore()
	seedRamp(st, subjectA)
	st.AddSamples(
		model.Sample{SubjectID: subjectA, Timestamp: now.Add(-72 * time.Hour), SolarPowerW: 100},
		model.Sample{SubjectID: subjectA, Timestamp: now.Add(-71 * time.Hour), SolarPowerW: 100},
	)
	rec := newRecorder()
	m := newTestManager(t, st, testConfig(), rec)

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)
	assert.Equal(t, 2, s.Snapshot().Range.Samples)

	assert.Error(t, m.SetLookback("30d"))
	require.NoError(t, m.SetLookback("7d"))

	require.Eventually(t, func() bool {
		return s.Snapshot().Range.Samples == 4
	}, 2*time.Second, 10*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, "7d", snap.Range.PeriodKey)
	assert.Equal(t, "7d", snap.Status.Lookback)
	require.Len(t, snap.Daily, 2)
	assert.Equal(t, "2024-11-21", snap.Daily[0].PeriodKey)
	assert.Equal(t, "2024-11-18", snap.Daily[1].PeriodKey)

	// The next subject starts with the chosen lookback
	b, err := m.Select(subjectB)
	require.NoError(t, err)
	waitReady(t, b)
	assert.Equal(t, "7d", b.Snapshot().Status.Lookback)
}

func TestManager_Toggle(t *testing.T) {
	st := newTestStore()
	seedRamp(st, subjectA)
	rec := newRecorder()
	m := newTestManager(t, st, testConfig(), rec)

	_, err := m.Toggle(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)

	state, err := m.Toggle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RelayOn, state.Relay)
	assert.False(t, state.Pending)

	persisted, err := st.GetDeviceState(context.Background(), DefaultConfig().DeviceID)
	require.NoError(t, err)
	assert.Equal(t, model.RelayOn, persisted.Relay)

	st.mu.Lock()
	st.writeErr = errors.New("device offline")
	st.mu.Unlock()

	state, err = m.Toggle(context.Background())
	require.Error(t, err)
	assert.False(t, IsConflict(err))
	assert.Equal(t, model.RelayOn, state.Relay, "failed write rolls back")

	events := rec.eventsOf(EventDeviceWriteFailed)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "device offline")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NotEmpty(t, rec.devices)
}

func TestManager_StopClearsSelection(t *testing.T) {
	st := newTestStore()
	seedRamp(st, subjectA)
	rec := newRecorder()
	m := newTestManager(t, st, testConfig(), rec)

	s, err := m.Select(subjectA)
	require.NoError(t, err)
	waitReady(t, s)
	seenBefore := rec.seen(subjectA)

	m.Stop()
	_, ok := m.Snapshot()
	assert.False(t, ok)

	st.AddSamples(model.Sample{SubjectID: subjectA, Timestamp: now, SolarPowerW: 10})
	assert.Equal(t, seenBefore, rec.seen(subjectA))
}

func TestTrimSince(t *testing.T) {
	samples := []model.Sample{
		{ID: 1, Timestamp: now.Add(-3 * time.Hour)},
		{ID: 2, Timestamp: now.Add(-2 * time.Hour)},
		{ID: 3, Timestamp: now.Add(-time.Hour)},
		{ID: 4, Timestamp: now},
	}

	got := trimSince(samples, now.Add(-2*time.Hour), 0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(2), got[0].ID)

	got = trimSince(samples, now.Add(-2*time.Hour), 2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(4), got[1].ID)

	assert.Empty(t, trimSince(samples, now.Add(time.Hour), 0))
}
