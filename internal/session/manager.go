package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"energy_monitor/internal/aggregate"
	"energy_monitor/internal/device"
	"energy_monitor/internal/model"
)

// ErrNoSession is returned by operations that need a selected subject.
var ErrNoSession = errors.New("no subject selected")

// Manager keeps at most one running session. Selecting a subject stops the
// previous session and bumps the epoch; output of older epochs is dropped
// even when it is produced after the switch.
type Manager struct {
	ctx    context.Context
	cfg    Config
	deps   Deps
	cb     Callback
	logger *zap.Logger

	epoch atomic.Uint64

	mu       sync.Mutex
	current  *Session
	lookback aggregate.Lookback

	retired sync.WaitGroup
}

func NewManager(ctx context.Context, cfg Config, deps Deps, cb Callback) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cb == nil {
		cb = Callbacks{}
	}
	cfg = cfg.withDefaults()

	return &Manager{
		ctx:      ctx,
		cfg:      cfg,
		deps:     deps,
		cb:       cb,
		logger:   deps.Logger,
		lookback: cfg.Lookback,
	}, nil
}

// Epoch returns the current selection epoch.
func (m *Manager) Epoch() uint64 { return m.epoch.Load() }

// Select normalizes raw and starts a session for it. Selecting the subject
// that is already running is a no-op.
func (m *Manager) Select(raw string) (*Session, error) {
	subject := model.NormalizeSubject(raw)
	if !model.ValidSubject(subject) {
		return nil, ErrInvalidSubject
	}

	m.mu.Lock()
	if m.current != nil && m.current.Subject() == subject {
		s := m.current
		m.mu.Unlock()
		return s, nil
	}

	old := m.current
	epoch := m.epoch.Add(1)
	cfg := m.cfg
	cfg.Lookback = m.lookback
	s := newSession(subject, epoch, cfg, m.deps, &guard{m: m, epoch: epoch, next: m.cb})
	m.current = s
	m.mu.Unlock()

	m.retire(old)
	s.Start(m.ctx)

	m.logger.Info("Subject selected",
		zap.String("subject", model.MaskSubject(subject)),
		zap.Uint64("epoch", epoch),
	)
	return s, nil
}

// Stop ends the current session and clears the selection.
func (m *Manager) Stop() {
	m.mu.Lock()
	old := m.current
	m.current = nil
	m.epoch.Add(1)
	m.mu.Unlock()

	m.retire(old)
}

func (m *Manager) retire(s *Session) {
	if s == nil {
		return
	}
	s.Stop()
	m.retired.Add(1)
	go func() {
		defer m.retired.Done()
		s.Wait()
	}()
}

// Close stops the current session and waits for every session goroutine.
func (m *Manager) Close() {
	m.Stop()
	m.retired.Wait()
}

// Current returns the running session, if any.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// Snapshot returns the state of the running session.
func (m *Manager) Snapshot() (Snapshot, bool) {
	s, ok := m.Current()
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// SetLookback changes the range view of the current and future sessions.
func (m *Manager) SetLookback(label string) error {
	lb, err := aggregate.ParseLookback(label)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.lookback = lb
	s := m.current
	m.mu.Unlock()

	if s != nil {
		s.SetLookback(lb)
	}
	return nil
}

func (m *Manager) Lookback() aggregate.Lookback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookback
}

// Toggle flips the relay of the current session.
func (m *Manager) Toggle(ctx context.Context) (model.DeviceControlState, error) {
	s, ok := m.Current()
	if !ok {
		return model.DeviceControlState{}, ErrNoSession
	}
	err := s.Toggle(ctx)
	return s.device.State(), err
}

// IsConflict reports whether err means a toggle is not allowed right now.
func IsConflict(err error) bool {
	return errors.Is(err, device.ErrUnknownState) || errors.Is(err, device.ErrWritePending)
}

// guard drops callbacks of sessions whose epoch is no longer current. Window
// and aggregate updates are delivered in Seq order; an update older than the
// last one delivered is dropped.
type guard struct {
	m     *Manager
	epoch uint64
	next  Callback

	winMu   sync.Mutex
	lastWin uint64
	aggMu   sync.Mutex
	lastAgg uint64
}

func (g *guard) current() bool { return g.m.epoch.Load() == g.epoch }

func (g *guard) OnSnapshot(s Snapshot) {
	if g.current() {
		g.next.OnSnapshot(s)
	}
}

func (g *guard) OnWindow(u WindowUpdate) {
	g.winMu.Lock()
	defer g.winMu.Unlock()
	if !g.current() || u.Seq <= g.lastWin {
		return
	}
	g.lastWin = u.Seq
	g.next.OnWindow(u)
}

func (g *guard) OnAggregates(u AggregateUpdate) {
	g.aggMu.Lock()
	defer g.aggMu.Unlock()
	if !g.current() || u.Seq <= g.lastAgg {
		return
	}
	g.lastAgg = u.Seq
	g.next.OnAggregates(u)
}

func (g *guard) OnDevice(subject string, st model.DeviceControlState) {
	if g.current() {
		g.next.OnDevice(subject, st)
	}
}

func (g *guard) OnEvent(e Event) {
	if g.current() {
		g.next.OnEvent(e)
	}
}
