package store

import (
	"context"

	"energy_monitor/internal/model"
)

// Fanout subscribes to every push source it holds. Duplicate deliveries are
// harmless because samples merge by ID.
type Fanout []Subscriber

func (f Fanout) SubscribeSamples(ctx context.Context, subjectID string, onSample func(model.Sample)) (Unsubscribe, error) {
	return f.subscribe(func(s Subscriber) (Unsubscribe, error) {
		return s.SubscribeSamples(ctx, subjectID, onSample)
	})
}

func (f Fanout) SubscribeDeviceState(ctx context.Context, deviceID string, onChange func(model.DeviceControlState)) (Unsubscribe, error) {
	return f.subscribe(func(s Subscriber) (Unsubscribe, error) {
		return s.SubscribeDeviceState(ctx, deviceID, onChange)
	})
}

// subscribe is all-or-nothing: on the first failure the subscriptions made so
// far are released.
func (f Fanout) subscribe(sub func(Subscriber) (Unsubscribe, error)) (Unsubscribe, error) {
	unsubs := make([]Unsubscribe, 0, len(f))
	release := func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, s := range f {
		u, err := sub(s)
		if err != nil {
			release()
			return nil, err
		}
		unsubs = append(unsubs, u)
	}
	return once(release), nil
}
