package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus represents the health state of the capture daemon
type HealthStatus struct {
	Status          string  `json:"status"` // "healthy" or "degraded"
	UptimeSeconds   int64   `json:"uptime_seconds"`
	RecordingState  string  `json:"recording_state"`
	SessionID       uint64  `json:"session_id,omitempty"`
	FramesCaptured  uint64  `json:"frames_captured"`
	ActionsCaptured uint64  `json:"actions_captured"`
	SessionsSaved   uint64  `json:"sessions_saved"`
	SourceConnected bool    `json:"source_connected"`
	SourceFPS       float64 `json:"source_fps"`
	MQTTConnected   bool    `json:"mqtt_connected"`
}

// HealthCheck returns the current health status of the daemon
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	started := s.started
	running := s.isRunning
	s.mu.RUnlock()

	recStats := s.recorder.Stats()
	srcStats := s.source.Stats()

	status := HealthStatus{
		Status:          "healthy",
		UptimeSeconds:   int64(time.Since(started).Seconds()),
		RecordingState:  recStats.State.String(),
		SessionID:       recStats.SessionID,
		FramesCaptured:  recStats.FramesCaptured,
		ActionsCaptured: recStats.ActionsCaptured,
		SessionsSaved:   recStats.SessionsSaved,
		SourceConnected: srcStats.IsConnected,
		SourceFPS:       srcStats.FPSReal,
	}

	if s.emitter != nil {
		status.MQTTConnected = s.emitter.IsConnected()
	}

	if !running || !srcStats.IsConnected {
		status.Status = "degraded"
	}

	return status
}

// statusData builds the get_status control-plane payload
func (s *Service) statusData() map[string]interface{} {
	health := s.HealthCheck()
	recStats := s.recorder.Stats()

	return map[string]interface{}{
		"status":          health.Status,
		"uptime_seconds":  health.UptimeSeconds,
		"recording":       recStats.State.String(),
		"session_id":      recStats.SessionID,
		"frames_captured": recStats.FramesCaptured,
		"sessions_saved":  recStats.SessionsSaved,
		"output_dir":      s.cfg.Output.Dir,
		"fps":             s.cfg.Capture.FPS,
	}
}

// startHealthServer serves GET /health when a port is configured
func (s *Service) startHealthServer() {
	if s.cfg.HealthPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.HealthCheck()); err != nil {
			slog.Error("failed to encode health response", "error", err)
		}
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HealthPort),
		Handler: mux,
	}

	s.mu.Lock()
	s.healthServer = server
	s.mu.Unlock()

	go func() {
		slog.Info("health endpoint listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()
}

// stopHealthServer shuts the health endpoint down with a bounded wait
func (s *Service) stopHealthServer() {
	s.mu.RLock()
	server := s.healthServer
	s.mu.RUnlock()
	if server == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown failed", "error", err)
	}
}
