// Package mqttbus receives measurement and relay pushes from an MQTT broker.
package mqttbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"energy_monitor/internal/model"
	"energy_monitor/internal/store"
)

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// client is the subset of mqtt.Client used by Bus.
type client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Bus implements store.Subscriber over MQTT. Samples arrive on
// <prefix>/measurements/<subject> and relay state on
// <prefix>/devices/<device>/state, both as JSON rows.
type Bus struct {
	client client
	cfg    Config
	logger *zap.Logger

	samples store.Registry[model.Sample]
	devices store.Registry[model.DeviceControlState]

	mu   sync.Mutex
	refs map[string]int // topic -> subscriber count
}

// Connect dials the broker and returns a ready bus.
func Connect(cfg Config, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
	return newBus(c, cfg, logger), nil
}

func newBus(c client, cfg Config, logger *zap.Logger) *Bus {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "energy"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	return &Bus{client: c, cfg: cfg, logger: logger, refs: make(map[string]int)}
}

func (b *Bus) SampleTopic(subjectID string) string {
	return b.cfg.TopicPrefix + "/measurements/" + subjectID
}

func (b *Bus) DeviceTopic(deviceID string) string {
	return b.cfg.TopicPrefix + "/devices/" + deviceID + "/state"
}

func (b *Bus) SubscribeSamples(_ context.Context, subjectID string, onSample func(model.Sample)) (store.Unsubscribe, error) {
	topic := b.SampleTopic(subjectID)
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		s, err := store.DecodeSample(msg.Payload())
		if err != nil {
			b.logger.Warn("Dropping MQTT measurement", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		if s.SubjectID == "" {
			s.SubjectID = subjectID
		}
		if s.SubjectID != subjectID {
			return
		}
		b.samples.Publish(subjectID, s)
	}

	release := b.samples.Add(subjectID, onSample)
	if err := b.acquire(topic, handler); err != nil {
		release()
		return nil, err
	}
	return b.releaser(topic, release), nil
}

func (b *Bus) SubscribeDeviceState(_ context.Context, deviceID string, onChange func(model.DeviceControlState)) (store.Unsubscribe, error) {
	topic := b.DeviceTopic(deviceID)
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		st, err := store.DecodeDeviceState(msg.Payload())
		if err != nil {
			b.logger.Warn("Dropping MQTT relay state", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		st.DeviceID = deviceID
		b.devices.Publish(deviceID, st)
	}

	release := b.devices.Add(deviceID, onChange)
	if err := b.acquire(topic, handler); err != nil {
		release()
		return nil, err
	}
	return b.releaser(topic, release), nil
}

// acquire subscribes to topic on the broker for its first subscriber.
func (b *Bus) acquire(topic string, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs[topic] == 0 {
		if token := b.client.Subscribe(topic, b.cfg.QoS, handler); token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
		}
	}
	b.refs[topic]++
	return nil
}

func (b *Bus) releaser(topic string, release store.Unsubscribe) store.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			release()

			b.mu.Lock()
			defer b.mu.Unlock()
			b.refs[topic]--
			if b.refs[topic] > 0 {
				return
			}
			delete(b.refs, topic)
			if token := b.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				b.logger.Warn("Failed to unsubscribe", zap.String("topic", topic), zap.Error(token.Error()))
			}
		})
	}
}

func (b *Bus) IsConnected() bool { return b.client.IsConnected() }

// Close disconnects from the broker.
func (b *Bus) Close() {
	b.client.Disconnect(250)
}
