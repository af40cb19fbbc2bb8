package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fake mqtt client ---

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu         sync.Mutex
	handlers   map[string]mqtt.MessageHandler
	published  []published
	publishErr error

	// onPublish runs synchronously inside Publish, letting tests reply to a
	// locate request the moment it goes out.
	onPublish func(topic string, payload []byte)
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]mqtt.MessageHandler{}}
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return &fakeToken{} }
func (c *fakeClient) Disconnect(uint)        {}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	data := payload.([]byte)
	c.mu.Lock()
	c.published = append(c.published, published{topic: topic, payload: data})
	hook := c.onPublish
	err := c.publishErr
	c.mu.Unlock()
	if hook != nil {
		hook(topic, data)
	}
	return &fakeToken{err: err}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver feeds a message to the handler registered for filter.
func (c *fakeClient) deliver(t *testing.T, filter, topic string, payload []byte) {
	t.Helper()
	c.mu.Lock()
	handler, ok := c.handlers[filter]
	c.mu.Unlock()
	require.True(t, ok, "no handler for %s", filter)
	handler(c, &fakeMessage{topic: topic, payload: payload})
}

func (c *fakeClient) lastPublished(t *testing.T) published {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.published)
	return c.published[len(c.published)-1]
}

func newTestGateway(t *testing.T) (*Gateway, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	gw, err := NewGatewayWithClient(client, slog.Default())
	require.NoError(t, err)
	return gw, client
}

// --- tests ---

func TestBrightness_FromStatusReports(t *testing.T) {
	gw, client := newTestGateway(t)

	_, err := gw.Brightness(context.Background(), "device-1")
	assert.Error(t, err, "a device that never reported has no known brightness")

	client.deliver(t, statusTopicFilter, "devices/device-1/status",
		[]byte(`{"brightness":0.8,"power_saving":false}`))

	level, err := gw.Brightness(context.Background(), "device-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, level, 1e-9)

	// Newer reports replace older ones.
	client.deliver(t, statusTopicFilter, "devices/device-1/status",
		[]byte(`{"brightness":0.3}`))
	level, err = gw.Brightness(context.Background(), "device-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, level, 1e-9)
}

func TestSetBrightness_PublishesCommand(t *testing.T) {
	gw, client := newTestGateway(t)

	require.NoError(t, gw.SetBrightness(context.Background(), "device-1", 0.1))

	msg := client.lastPublished(t)
	assert.Equal(t, "devices/device-1/commands", msg.topic)

	var cmd command
	require.NoError(t, json.Unmarshal(msg.payload, &cmd))
	assert.Equal(t, "set_brightness", cmd.Action)
	assert.InDelta(t, 0.1, cmd.Level, 1e-9)
}

func TestSetPowerSaving_PublishesCommand(t *testing.T) {
	gw, client := newTestGateway(t)

	require.NoError(t, gw.SetPowerSaving(context.Background(), "device-1", true))

	msg := client.lastPublished(t)
	assert.Equal(t, "devices/device-1/commands", msg.topic)

	var cmd command
	require.NoError(t, json.Unmarshal(msg.payload, &cmd))
	assert.Equal(t, "set_power_saving", cmd.Action)
	assert.True(t, cmd.On)
}

func TestLocateDevice_RequestReply(t *testing.T) {
	gw, client := newTestGateway(t)

	// Reply as the device would: echo the request id with coordinates.
	client.onPublish = func(topic string, payload []byte) {
		if topic != "devices/device-1/locate/request" {
			return
		}
		var req locateRequest
		require.NoError(t, json.Unmarshal(payload, &req))
		resp, err := json.Marshal(locateResponse{
			RequestID: req.RequestID,
			Lat:       35.68,
			Lon:       139.69,
		})
		require.NoError(t, err)
		go client.deliver(t, responseTopicFilter, "devices/device-1/locate/response", resp)
	}

	geo, err := gw.LocateDevice(context.Background(), "device-1")
	require.NoError(t, err)
	assert.InDelta(t, 35.68, geo.Lat, 1e-9)
	assert.InDelta(t, 139.69, geo.Lon, 1e-9)
}

func TestLocateDevice_TimesOutWithoutReply(t *testing.T) {
	gw, _ := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.LocateDevice(ctx, "device-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocateDevice_IgnoresMismatchedRequestID(t *testing.T) {
	gw, client := newTestGateway(t)

	client.onPublish = func(topic string, _ []byte) {
		if topic != "devices/device-1/locate/request" {
			return
		}
		resp, _ := json.Marshal(locateResponse{RequestID: "stale-id", Lat: 1, Lon: 1})
		go client.deliver(t, responseTopicFilter, "devices/device-1/locate/response", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.LocateDevice(ctx, "device-1")
	assert.Error(t, err, "a reply for another request must not resolve this one")
}

func TestDeviceIDFromTopic(t *testing.T) {
	assert.Equal(t, "device-1", deviceIDFromTopic("devices/device-1/status"))
	assert.Equal(t, "abc", deviceIDFromTopic("devices/abc/locate/response"))
	assert.Empty(t, deviceIDFromTopic("other/device-1/status"))
	assert.Empty(t, deviceIDFromTopic("devices"))
}
