// Package device mirrors a remote relay and drives optimistic toggles that
// reconcile with the authoritative state held by the store.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"energy_monitor/internal/model"
)

var (
	// ErrUnknownState rejects a toggle before the relay state was read.
	ErrUnknownState = errors.New("relay state not known yet")
	// ErrWritePending rejects a toggle while another write is in flight.
	ErrWritePending = errors.New("relay write already pending")
)

// Store reads and writes the authoritative relay state.
type Store interface {
	GetDeviceState(ctx context.Context, deviceID string) (model.DeviceControlState, error)
	SetDeviceState(ctx context.Context, deviceID string, relayOn bool) error
}

// Controller is the state machine of one relay:
//
//	Unknown --Bind/Apply--> Known --Toggle--> Pending --settle--> Known
//
// While Pending the local value is the optimistic one. A failed write
// restores the baseline, which is the value before the flip unless an
// authoritative update arrived during the write.
type Controller struct {
	mu       sync.Mutex
	deviceID string
	store    Store
	logger   *zap.Logger
	onChange func(model.DeviceControlState)

	relay    model.RelayState
	pending  bool
	baseline model.RelayState
	pushed   bool // authoritative update seen during the pending write
}

// NewController returns a controller in the Unknown state. onChange, when
// set, receives every state transition.
func NewController(deviceID string, store Store, logger *zap.Logger, onChange func(model.DeviceControlState)) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		deviceID: deviceID,
		store:    store,
		logger:   logger,
		onChange: onChange,
	}
}

func (c *Controller) DeviceID() string { return c.deviceID }

// State returns a copy of the current state.
func (c *Controller) State() model.DeviceControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() model.DeviceControlState {
	return model.DeviceControlState{DeviceID: c.deviceID, Relay: c.relay, Pending: c.pending}
}

// Bind reads the relay state from the store. On error the state is left
// untouched, so a first failed read keeps the controller Unknown.
func (c *Controller) Bind(ctx context.Context) error {
	st, err := c.store.GetDeviceState(ctx, c.deviceID)
	if err != nil {
		return fmt.Errorf("reading device %s: %w", c.deviceID, err)
	}
	c.Apply(st)
	return nil
}

// Refresh re-reads the store. Results are discarded while a write is
// pending; the write outcome or a push settles the state instead.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending {
		return nil
	}

	st, err := c.store.GetDeviceState(ctx, c.deviceID)
	if err != nil {
		return fmt.Errorf("reading device %s: %w", c.deviceID, err)
	}

	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return nil
	}
	changed := c.setLocked(st.Relay)
	s := c.stateLocked()
	c.mu.Unlock()

	if changed {
		c.notify(s)
	}
	return nil
}

// Apply accepts an authoritative state from a push or read. During a
// pending write it also becomes the baseline for the outcome.
func (c *Controller) Apply(st model.DeviceControlState) {
	if st.DeviceID != "" && st.DeviceID != c.deviceID {
		return
	}
	if !st.Relay.Known() {
		return
	}

	c.mu.Lock()
	c.relay = st.Relay
	if c.pending {
		c.baseline = st.Relay
		c.pushed = true
	}
	s := c.stateLocked()
	c.mu.Unlock()

	c.notify(s)
}

func (c *Controller) setLocked(r model.RelayState) bool {
	if !r.Known() || r == c.relay {
		return false
	}
	c.relay = r
	return true
}

// Toggle flips the relay optimistically and writes the new value. It blocks
// until the write settles and returns the write error, if any, after the
// local state was rolled back.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	if !c.relay.Known() {
		c.mu.Unlock()
		return ErrUnknownState
	}
	if c.pending {
		c.mu.Unlock()
		return ErrWritePending
	}

	c.baseline = c.relay
	c.pushed = false
	next := model.RelayFromBool(!c.relay.On())
	c.relay = next
	c.pending = true
	s := c.stateLocked()
	c.mu.Unlock()

	c.notify(s)

	err := c.store.SetDeviceState(ctx, c.deviceID, next.On())

	c.mu.Lock()
	c.pending = false
	switch {
	case err != nil:
		c.relay = c.baseline
	case !c.pushed:
		c.relay = next
	}
	s = c.stateLocked()
	c.mu.Unlock()

	c.notify(s)

	if err != nil {
		c.logger.Warn("Relay write failed, rolled back",
			zap.String("device_id", c.deviceID),
			zap.Bool("requested", next.On()),
			zap.String("restored", s.Relay.String()),
			zap.Error(err),
		)
		return fmt.Errorf("writing device %s: %w", c.deviceID, err)
	}

	c.logger.Info("Relay write confirmed",
		zap.String("device_id", c.deviceID),
		zap.String("relay", s.Relay.String()),
	)
	return nil
}

func (c *Controller) notify(s model.DeviceControlState) {
	if c.onChange != nil {
		c.onChange(s)
	}
}
