package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	payload := SubjectSelectPayload{Subject: "12345678901"}

	msg, err := NewEnvelope(TypeSubjectSelect, payload)
	require.NoError(t, err)

	var env Envelope
	err = json.Unmarshal(msg, &env)
	require.NoError(t, err)

	assert.Equal(t, TypeSubjectSelect, env.Type)

	var parsed SubjectSelectPayload
	err = json.Unmarshal(env.Payload, &parsed)
	require.NoError(t, err)
	assert.Equal(t, "12345678901", parsed.Subject)
}

func TestNewEnvelope_NoPayload(t *testing.T) {
	msg, err := NewEnvelope(TypeDeviceToggle, nil)
	require.NoError(t, err)

	var env Envelope
	err = json.Unmarshal(msg, &env)
	require.NoError(t, err)

	assert.Equal(t, TypeDeviceToggle, env.Type)
	assert.Nil(t, env.Payload)
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(nil)

	c := &Client{
		hub:  hub,
		send: make(chan []byte, 16),
	}

	hub.Register(c)
	assert.Equal(t, 1, hub.ClientCount())

	hub.Unregister(c)
	assert.Equal(t, 0, hub.ClientCount())

	// second unregister must not close the channel twice
	hub.Unregister(c)
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil)

	c1 := &Client{hub: hub, send: make(chan []byte, 16)}
	c2 := &Client{hub: hub, send: make(chan []byte, 16)}

	hub.Register(c1)
	hub.Register(c2)

	msg := []byte(`{"type":"test"}`)
	hub.Broadcast(msg)

	assert.Equal(t, msg, <-c1.send)
	assert.Equal(t, msg, <-c2.send)
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	hub := NewHub(nil)
	c := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast([]byte("a"))
	hub.Broadcast([]byte("b"))

	assert.Equal(t, []byte("a"), <-c.send)
	assert.Empty(t, c.send)
}

func TestClient_TrySend(t *testing.T) {
	hub := NewHub(nil)
	c := &Client{hub: hub, send: make(chan []byte, 1)}

	assert.False(t, c.trySend([]byte("x")), "unregistered client")

	hub.Register(c)
	assert.True(t, c.trySend([]byte("x")))
	assert.False(t, c.trySend([]byte("y")), "buffer full")
}

func TestMessageTypes(t *testing.T) {
	assert.Equal(t, "subject:select", TypeSubjectSelect)
	assert.Equal(t, "lookback:set", TypeLookbackSet)
	assert.Equal(t, "device:toggle", TypeDeviceToggle)
	assert.Equal(t, "session:snapshot", TypeSessionSnapshot)
	assert.Equal(t, "window:update", TypeWindowUpdate)
	assert.Equal(t, "aggregate:update", TypeAggregateUpdate)
	assert.Equal(t, "device:state", TypeDeviceState)
	assert.Equal(t, "event", TypeEvent)
	assert.Equal(t, "error", TypeError)
}
