// Package device talks to phones over MQTT: screen and power commands,
// reported device status, and the request/reply location fetch used while an
// event is running.
//
// Topics:
//
//	devices/{id}/status          device -> service, retained status reports
//	devices/{id}/commands        service -> device, control commands
//	devices/{id}/locate/request  service -> device, location requests
//	devices/{id}/locate/response device -> service, location replies
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/couchcryptid/quake-sentinel/internal/config"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

const (
	statusTopicFilter   = "devices/+/status"
	responseTopicFilter = "devices/+/locate/response"
)

type statusReport struct {
	Brightness  float64 `json:"brightness"`
	PowerSaving bool    `json:"power_saving"`
}

type command struct {
	Action string  `json:"action"`
	Level  float64 `json:"level,omitempty"`
	On     bool    `json:"on,omitempty"`
}

type locateRequest struct {
	RequestID string `json:"request_id"`
}

type locateResponse struct {
	RequestID string  `json:"request_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Gateway is the MQTT side of device control.
// It implements defense.DeviceGateway and detector.DeviceLocator.
type Gateway struct {
	client mqtt.Client
	logger *slog.Logger

	mu      sync.Mutex
	status  map[string]statusReport
	pending map[string]chan domain.Geo
}

// NewGateway connects to the broker and subscribes to device topics.
func NewGateway(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", token.Error())
	}

	g := newGateway(client, logger)
	if err := g.subscribe(); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return g, nil
}

// NewGatewayWithClient wraps an already-connected client, used by tests.
func NewGatewayWithClient(client mqtt.Client, logger *slog.Logger) (*Gateway, error) {
	g := newGateway(client, logger)
	if err := g.subscribe(); err != nil {
		return nil, err
	}
	return g, nil
}

func newGateway(client mqtt.Client, logger *slog.Logger) *Gateway {
	return &Gateway{
		client:  client,
		logger:  logger,
		status:  make(map[string]statusReport),
		pending: make(map[string]chan domain.Geo),
	}
}

func (g *Gateway) subscribe() error {
	if token := g.client.Subscribe(statusTopicFilter, 1, g.handleStatus); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe device status: %w", token.Error())
	}
	if token := g.client.Subscribe(responseTopicFilter, 1, g.handleLocateResponse); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe locate responses: %w", token.Error())
	}
	return nil
}

// Brightness returns the screen level from the device's latest status
// report. A device that has never reported is an error, not a guess.
func (g *Gateway) Brightness(_ context.Context, deviceID string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.status[deviceID]
	if !ok {
		return 0, fmt.Errorf("no status report from device %s", deviceID)
	}
	return status.Brightness, nil
}

// SetBrightness commands the device screen level.
func (g *Gateway) SetBrightness(_ context.Context, deviceID string, level float64) error {
	return g.publishCommand(deviceID, command{Action: "set_brightness", Level: level})
}

// SetPowerSaving toggles the device's power saving mode.
func (g *Gateway) SetPowerSaving(_ context.Context, deviceID string, on bool) error {
	return g.publishCommand(deviceID, command{Action: "set_power_saving", On: on})
}

// LocateDevice asks the device for a fresh high-accuracy fix and waits for
// the reply or the context deadline.
func (g *Gateway) LocateDevice(ctx context.Context, deviceID string) (domain.Geo, error) {
	requestID := uuid.NewString()
	reply := make(chan domain.Geo, 1)

	g.mu.Lock()
	g.pending[requestID] = reply
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
	}()

	payload, err := json.Marshal(locateRequest{RequestID: requestID})
	if err != nil {
		return domain.Geo{}, fmt.Errorf("serialize locate request: %w", err)
	}
	topic := fmt.Sprintf("devices/%s/locate/request", deviceID)
	if token := g.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return domain.Geo{}, fmt.Errorf("publish locate request: %w", token.Error())
	}

	select {
	case <-ctx.Done():
		return domain.Geo{}, fmt.Errorf("locate device %s: %w", deviceID, ctx.Err())
	case geo := <-reply:
		return geo, nil
	}
}

func (g *Gateway) publishCommand(deviceID string, cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("serialize command: %w", err)
	}
	topic := fmt.Sprintf("devices/%s/commands", deviceID)
	if token := g.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish %s to device %s: %w", cmd.Action, deviceID, token.Error())
	}
	return nil
}

func (g *Gateway) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		return
	}
	var status statusReport
	if err := json.Unmarshal(msg.Payload(), &status); err != nil {
		g.logger.Warn("malformed device status", "topic", msg.Topic(), "error", err)
		return
	}
	g.mu.Lock()
	g.status[deviceID] = status
	g.mu.Unlock()
}

func (g *Gateway) handleLocateResponse(_ mqtt.Client, msg mqtt.Message) {
	var resp locateResponse
	if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
		g.logger.Warn("malformed locate response", "topic", msg.Topic(), "error", err)
		return
	}

	g.mu.Lock()
	reply, ok := g.pending[resp.RequestID]
	g.mu.Unlock()
	if !ok {
		// Reply arrived after the request timed out.
		g.logger.Debug("locate response with no pending request", "request_id", resp.RequestID)
		return
	}
	select {
	case reply <- domain.Geo{Lat: resp.Lat, Lon: resp.Lon}:
	default:
	}
}

// deviceIDFromTopic extracts the id segment of devices/{id}/...
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "devices" {
		return ""
	}
	return parts[1]
}

func (g *Gateway) Close() {
	g.client.Disconnect(250)
}
