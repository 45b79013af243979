// Package emitter publishes session lifecycle events to an MQTT broker so
// operators can observe recordings without tailing logs. It also owns the
// MQTT client shared with the control plane. The daemon runs fully without
// it when no broker is configured.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/drivecap/internal/config"
	"github.com/care/drivecap/internal/session"
)

// Event is a session lifecycle notification
type Event struct {
	Event     string          `json:"event"` // recording_started, recording_saved, recording_empty
	SessionID uint64          `json:"session_id"`
	Frames    int             `json:"frames,omitempty"`
	Actions   int             `json:"actions,omitempty"`
	Duration  float64         `json:"duration,omitempty"`
	Artifacts []ArtifactEvent `json:"artifacts,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// ArtifactEvent reports one artifact outcome inside an Event
type ArtifactEvent struct {
	Kind  string `json:"kind"`
	Path  string `json:"path"`
	Saved bool   `json:"saved"`
	Error string `json:"error,omitempty"`
}

// MQTTEmitter publishes session events to an MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for the control plane

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{cfg: cfg}
}

// Connect establishes the connection to the MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.MQTT.Broker
	if !strings.Contains(broker, "://") {
		broker = fmt.Sprintf("tcp://%s", broker)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	e.Client = mqtt.NewClient(opts)

	token := e.Client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect failed: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect cancelled: %w", ctx.Err())
	case <-time.After(10 * time.Second):
		return fmt.Errorf("mqtt connect timeout")
	}

	return nil
}

// Disconnect closes the broker connection
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
}

// IsConnected reports broker connectivity
func (e *MQTTEmitter) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// RecordingStarted publishes a session-start event
func (e *MQTTEmitter) RecordingStarted(id uint64) {
	e.publish(Event{Event: "recording_started", SessionID: id})
}

// RecordingSettled publishes the outcome of a stopped session
func (e *MQTTEmitter) RecordingSettled(res *session.ToggleResult) {
	evt := Event{
		SessionID: res.SessionID,
		Frames:    res.FrameCount,
		Actions:   res.ActionCount,
		Duration:  res.Duration,
	}

	if res.Outcome == session.OutcomeEmpty {
		evt.Event = "recording_empty"
	} else {
		evt.Event = "recording_saved"
		for _, a := range res.Artifacts {
			ae := ArtifactEvent{Kind: a.Kind, Path: a.Path, Saved: a.Err == nil}
			if a.Err != nil {
				ae.Error = a.Err.Error()
			}
			evt.Artifacts = append(evt.Artifacts, ae)
		}
	}

	e.publish(evt)
}

func (e *MQTTEmitter) publish(evt Event) {
	if e.Client == nil {
		return
	}

	evt.Timestamp = time.Now().Format(time.RFC3339)

	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Error("failed to marshal event", "error", err)
		return
	}

	topic := e.cfg.MQTT.Topics.Events
	qos := e.cfg.MQTT.QoS["events"]

	token := e.Client.Publish(topic, qos, false, payload)
	go func() {
		// Do not block the recording path on broker round-trips
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			e.mu.Lock()
			e.published++
			e.mu.Unlock()
			return
		}
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Warn("failed to publish event", "topic", topic, "event", evt.Event)
	}()
}

// Stats returns publish counters
func (e *MQTTEmitter) Stats() (published, errors uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published, e.errors
}
