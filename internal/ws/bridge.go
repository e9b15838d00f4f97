package ws

import (
	"go.uber.org/zap"

	"energy_monitor/internal/model"
	"energy_monitor/internal/session"
)

// Bridge implements session.Callback and broadcasts updates to the WebSocket hub.
type Bridge struct {
	hub    *Hub
	logger *zap.Logger
}

func NewBridge(hub *Hub, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{hub: hub, logger: logger}
}

func (b *Bridge) broadcast(msgType string, payload any) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		b.logger.Error("Error marshaling message", zap.String("type", msgType), zap.Error(err))
		return
	}
	b.hub.Broadcast(msg)
}

func (b *Bridge) OnSnapshot(s session.Snapshot) {
	b.broadcast(TypeSessionSnapshot, s)
}

func (b *Bridge) OnWindow(u session.WindowUpdate) {
	b.broadcast(TypeWindowUpdate, u)
}

func (b *Bridge) OnAggregates(u session.AggregateUpdate) {
	b.broadcast(TypeAggregateUpdate, u)
}

func (b *Bridge) OnDevice(subject string, st model.DeviceControlState) {
	b.broadcast(TypeDeviceState, DeviceStatePayload{Subject: subject, Device: st})
}

func (b *Bridge) OnEvent(e session.Event) {
	b.broadcast(TypeEvent, e)
}
