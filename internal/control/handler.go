// Package control implements the MQTT control plane: the delivery path for
// the user's recording toggle plus status and shutdown commands. Debouncing
// of physical key presses is the publishing client's concern; each received
// toggle_recording command is treated as exactly one toggle.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/drivecap/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Callbacks contains the callback functions invoked per command
type Callbacks struct {
	// OnToggleRecording flips the recording state and returns a summary of
	// the settled transition
	OnToggleRecording func() (map[string]interface{}, error)
	// OnGetStatus returns the current service status
	OnGetStatus func() map[string]interface{}
	// OnShutdown requests a graceful daemon shutdown
	OnShutdown func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks Callbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and begins processing commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.Wait()
	}

	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Warn("invalid control command payload", "error", err)
		h.respond(Response{Status: "error", Error: "invalid command payload"})
		return
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control command queue full, dropping", "command", cmd.Command)
		h.respond(Response{
			CommandAck: cmd.Command,
			Status:     "error",
			Error:      "command queue full",
		})
	}
}

// processCommands dispatches queued commands to callbacks
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.Dispatch(cmd)
		}
	}
}

// Dispatch executes a single command and publishes its response. Exported
// so tests can drive the handler without a broker.
func (h *Handler) Dispatch(cmd Command) {
	slog.Info("control command received", "command", cmd.Command)

	resp := Response{CommandAck: cmd.Command, Status: "ok"}

	switch cmd.Command {
	case "toggle_recording":
		if h.callbacks.OnToggleRecording == nil {
			resp.Status = "error"
			resp.Error = "toggle_recording not supported"
			break
		}
		data, err := h.callbacks.OnToggleRecording()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Data = data

	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not supported"
			break
		}
		resp.Data = h.callbacks.OnGetStatus()

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			resp.Status = "error"
			resp.Error = "shutdown not supported"
			break
		}
		if err := h.callbacks.OnShutdown(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.respond(resp)
}

// respond publishes a command response to <control topic>/response
func (h *Handler) respond(resp Response) {
	if h.client == nil || !h.client.IsConnected() {
		return
	}

	resp.Timestamp = time.Now().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Control + "/response"
	token := h.client.Publish(topic, h.cfg.MQTT.QoS["control"], false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		slog.Warn("control response publish timeout", "topic", topic)
	}
}
