package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"energy_monitor/internal/model"
)

// NOTIFY channels fed by row triggers that send row_to_json(NEW).
const (
	SampleChannel = "measurements_changes"
	DeviceChannel = "device_status_changes"
)

// listener is the subset of *pq.Listener used by Notifier.
type listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Notifier turns Postgres LISTEN/NOTIFY payloads into sample and relay
// pushes. One connection serves every subscription.
type Notifier struct {
	listener listener
	logger   *zap.Logger

	samples Registry[model.Sample]
	devices Registry[model.DeviceControlState]

	startOnce sync.Once
	done      chan struct{}
}

// NewNotifier opens a reconnecting listener on dsn.
func NewNotifier(dsn string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			logger.Warn("Notification listener connection problem", zap.Error(err))
		case pq.ListenerEventReconnected:
			logger.Info("Notification listener reconnected")
		}
	})
	return newNotifier(l, logger)
}

func newNotifier(l listener, logger *zap.Logger) *Notifier {
	return &Notifier{listener: l, logger: logger, done: make(chan struct{})}
}

// Start listens on both channels and dispatches notifications until ctx is
// cancelled or Close is called.
func (n *Notifier) Start(ctx context.Context) error {
	var err error
	n.startOnce.Do(func() {
		for _, ch := range []string{SampleChannel, DeviceChannel} {
			if err = n.listener.Listen(ch); err != nil {
				err = fmt.Errorf("listen %s: %w", ch, err)
				return
			}
		}
		go n.run(ctx)
	})
	return err
}

func (n *Notifier) run(ctx context.Context) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	notifications := n.listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case notif, ok := <-notifications:
			if !ok {
				return
			}
			// nil after a reconnect: changes in between are lost, polls cover them
			if notif == nil {
				continue
			}
			n.dispatch(notif.Channel, []byte(notif.Extra))
		case <-ping.C:
			if err := n.listener.Ping(); err != nil {
				n.logger.Warn("Notification listener ping failed", zap.Error(err))
			}
		}
	}
}

func (n *Notifier) dispatch(channel string, payload []byte) {
	switch channel {
	case SampleChannel:
		s, err := DecodeSample(payload)
		if err != nil {
			n.logger.Warn("Dropping measurement notification", zap.Error(err))
			return
		}
		n.samples.Publish(s.SubjectID, s)
	case DeviceChannel:
		st, err := DecodeDeviceState(payload)
		if err != nil {
			n.logger.Warn("Dropping device notification", zap.Error(err))
			return
		}
		n.devices.Publish(st.DeviceID, st)
	default:
		n.logger.Debug("Ignoring notification", zap.String("channel", channel))
	}
}

func (n *Notifier) SubscribeSamples(_ context.Context, subjectID string, onSample func(model.Sample)) (Unsubscribe, error) {
	return n.samples.Add(subjectID, onSample), nil
}

func (n *Notifier) SubscribeDeviceState(_ context.Context, deviceID string, onChange func(model.DeviceControlState)) (Unsubscribe, error) {
	return n.devices.Add(deviceID, onChange), nil
}

// Close stops dispatching and closes the connection.
func (n *Notifier) Close() error {
	select {
	case <-n.done:
		return nil
	default:
		close(n.done)
	}
	return n.listener.Close()
}
