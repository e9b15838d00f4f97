package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"energy_monitor/internal/aggregate"
	"energy_monitor/internal/device"
	"energy_monitor/internal/model"
	"energy_monitor/internal/session"
	"energy_monitor/internal/store"
	"energy_monitor/internal/tariff"
)

// fakeController records the calls the handler makes.
type fakeController struct {
	mu        sync.Mutex
	selected  []string
	lookbacks []string
	toggles   int
	snapshot  *session.Snapshot
	toggleErr error
}

func (f *fakeController) Select(raw string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, raw)
	if !model.ValidSubject(raw) {
		return nil, session.ErrInvalidSubject
	}
	return nil, nil
}

func (f *fakeController) SetLookback(label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookbacks = append(f.lookbacks, label)
	_, err := aggregate.ParseLookback(label)
	return err
}

func (f *fakeController) Toggle(ctx context.Context) (model.DeviceControlState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
	if _, ok := ctx.Deadline(); !ok {
		return model.DeviceControlState{}, errors.New("toggle without deadline")
	}
	return model.DeviceControlState{}, f.toggleErr
}

func (f *fakeController) Snapshot() (session.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil {
		return session.Snapshot{}, false
	}
	return *f.snapshot, true
}

func (f *fakeController) calls() (selected, lookbacks []string, toggles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.selected...), append([]string(nil), f.lookbacks...), f.toggles
}

// dialHandler sets up a test server with the handler and returns a WS connection.
func dialHandler(t *testing.T, handler *Handler) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

// readJSON reads the next JSON message from the connection.
func readJSON(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

// readUntil skips messages until one of msgType satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string, match func(json.RawMessage) bool) Envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		env := readJSON(t, conn)
		if env.Type == msgType && (match == nil || match(env.Payload)) {
			return env
		}
	}
	t.Fatalf("no %s message received", msgType)
	return Envelope{}
}

// sendJSON sends a JSON message on the connection.
func sendJSON(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readError(t *testing.T, conn *websocket.Conn) ErrorPayload {
	t.Helper()
	env := readJSON(t, conn)
	require.Equal(t, TypeError, env.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func TestHandler_InitialSnapshot(t *testing.T) {
	ctrl := &fakeController{snapshot: &session.Snapshot{
		Subject: subjectID,
		Status:  session.Status{Lookback: "24h", Unit: "W"},
	}}
	handler := NewHandler(NewHub(nil), ctrl, nil)

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()

	env := readJSON(t, conn)
	assert.Equal(t, TypeSessionSnapshot, env.Type)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.Equal(t, subjectID, snap.Subject)
	assert.Equal(t, "24h", snap.Status.Lookback)
}

func TestHandler_NoSnapshotWithoutSession(t *testing.T) {
	handler := NewHandler(NewHub(nil), &fakeController{}, nil)

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()

	// The first message is the reply to the bogus request, not a snapshot.
	sendJSON(t, conn, "bogus", nil)
	p := readError(t, conn)
	assert.Equal(t, "bogus", p.Request)
	assert.Equal(t, "unknown message type", p.Message)
}

func TestHandler_SelectSubject(t *testing.T) {
	ctrl := &fakeController{}
	handler := NewHandler(NewHub(nil), ctrl, nil)

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()

	sendJSON(t, conn, TypeSubjectSelect, SubjectSelectPayload{Subject: "123.456.789-01"})
	sendJSON(t, conn, TypeSubjectSelect, SubjectSelectPayload{Subject: "123"})

	p := readError(t, conn)
	assert.Equal(t, TypeSubjectSelect, p.Request)
	assert.Equal(t, session.ErrInvalidSubject.Error(), p.Message)

	selected, _, _ := ctrl.calls()
	assert.Equal(t, []string{"123.456.789-01", "123"}, selected)
}

func TestHandler_SetLookback(t *testing.T) {
	ctrl := &fakeController{}
	handler := NewHandler(NewHub(nil), ctrl, nil)

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()

	sendJSON(t, conn, TypeLookbackSet, LookbackSetPayload{Lookback: "7d"})
	sendJSON(t, conn, TypeLookbackSet, LookbackSetPayload{Lookback: "2y"})

	p := readError(t, conn)
	assert.Equal(t, TypeLookbackSet, p.Request)

	_, lookbacks, _ := ctrl.calls()
	assert.Equal(t, []string{"7d", "2y"}, lookbacks)
}

func TestHandler_ToggleConflict(t *testing.T) {
	ctrl := &fakeController{toggleErr: device.ErrWritePending}
	handler := NewHandler(NewHub(nil), ctrl, nil)

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()

	sendJSON(t, conn, TypeDeviceToggle, nil)

	p := readError(t, conn)
	assert.Equal(t, TypeDeviceToggle, p.Request)
	assert.Equal(t, device.ErrWritePending.Error(), p.Message)

	_, _, toggles := ctrl.calls()
	assert.Equal(t, 1, toggles)
}

func TestHandler_InvalidMessage(t *testing.T) {
	ctrl := &fakeController{}
	handler := NewHandler(NewHub(nil), ctrl, nil)

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	p := readError(t, conn)
	assert.Equal(t, "invalid message", p.Message)

	sendJSON(t, conn, TypeSubjectSelect, "not an object")
	p = readError(t, conn)
	assert.Equal(t, "invalid payload", p.Message)

	selected, _, _ := ctrl.calls()
	assert.Empty(t, selected)
}

func TestHandler_ErrorsOnlyReachRequester(t *testing.T) {
	handler := NewHandler(NewHub(nil), &fakeController{}, nil)
	server := httptest.NewServer(handler)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	a, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer b.Close()

	sendJSON(t, a, TypeSubjectSelect, SubjectSelectPayload{Subject: "1"})
	readError(t, a)

	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = b.ReadMessage()
	assert.Error(t, err, "second client must not see the error")
}

func TestHandler_WithManager(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC()
	mem.AddSamples(
		model.Sample{SubjectID: subjectID, Timestamp: now.Add(-time.Hour), SolarPowerW: 0, VoltageV: 220},
		model.Sample{SubjectID: subjectID, Timestamp: now, SolarPowerW: 1000, VoltageV: 221},
	)
	mem.PutCustomer(model.Customer{SubjectID: subjectID, Name: "Ana", TariffPerKWh: 0.8})

	hub := NewHub(nil)
	cfg := session.DefaultConfig()
	cfg.Location = time.UTC
	deps := session.Deps{
		Samples:          mem,
		SampleSubscriber: mem,
		Devices:          mem,
		DeviceSubscriber: mem,
		Customers:        mem,
		Tariffs:          tariff.NewResolver(mem, 0, zap.NewNop()),
		Logger:           zap.NewNop(),
	}
	mgr, err := session.NewManager(context.Background(), cfg, deps, NewBridge(hub, nil))
	require.NoError(t, err)
	defer mgr.Close()

	conn, cleanup := dialHandler(t, NewHandler(hub, mgr, nil))
	defer cleanup()

	sendJSON(t, conn, TypeSubjectSelect, SubjectSelectPayload{Subject: "123.456.789-01"})

	env := readUntil(t, conn, TypeSessionSnapshot, nil)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.Equal(t, subjectID, snap.Subject)
	assert.Equal(t, "Ana", snap.Status.CustomerName)
	assert.InDelta(t, 0.8, snap.Tariff.RatePerKWh, 0.001)
	require.NotEmpty(t, snap.Window)
	assert.InDelta(t, 1000.0, snap.Live.SolarPowerW, 0.001)
	assert.Equal(t, model.RelayOff, snap.Device.Relay)

	sendJSON(t, conn, TypeDeviceToggle, nil)
	readUntil(t, conn, TypeDeviceState, func(raw json.RawMessage) bool {
		var p DeviceStatePayload
		return json.Unmarshal(raw, &p) == nil && !p.Device.Pending && p.Device.Relay == model.RelayOn
	})

	st, err := mem.GetDeviceState(context.Background(), cfg.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, model.RelayOn, st.Relay)
}
