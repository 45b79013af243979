// Package core wires the capture daemon together: frame/control source →
// session recorder → artifact writer, with the MQTT control plane and the
// health endpoint around them. It owns process lifecycle, including the
// shutdown reconciliation that saves an in-flight session before any
// external resource is released.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/care/drivecap/internal/artifact"
	"github.com/care/drivecap/internal/config"
	"github.com/care/drivecap/internal/control"
	"github.com/care/drivecap/internal/emitter"
	"github.com/care/drivecap/internal/session"
	"github.com/care/drivecap/internal/stream"
)

// Service is the main daemon orchestrator
type Service struct {
	cfg *config.Config

	source   stream.Source
	recorder *session.Recorder
	writer   *artifact.Writer
	alloc    *session.Allocator
	emitter  *emitter.MQTTEmitter
	handler  *control.Handler

	mu           sync.RWMutex
	started      time.Time
	isRunning    bool
	healthServer *http.Server

	// Settled stop results, kept for the exit summary
	saved []*session.ToggleResult

	wg sync.WaitGroup
}

// New creates a Service from configuration. Resource acquisition failures
// here (output directory, source construction) are startup-fatal.
func New(cfg *config.Config) (*Service, error) {
	writer, err := artifact.NewWriter(artifact.Config{
		Dir:             cfg.Output.Dir,
		VideoPrefix:     cfg.Output.VideoPrefix,
		ActionsPrefix:   cfg.Output.ActionsPrefix,
		AudioPrefix:     cfg.Output.AudioPrefix,
		FPS:             cfg.Capture.FPS,
		AudioSampleRate: cfg.Audio.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact writer: %w", err)
	}

	alloc := session.NewAllocator()
	if names, err := listDir(cfg.Output.Dir); err != nil {
		return nil, fmt.Errorf("failed to scan output directory: %w", err)
	} else {
		alloc.Bootstrap(names, cfg.Output.VideoPrefix, ".mp4")
	}

	recorder := session.NewRecorder(session.RecorderConfig{
		FPS:                  cfg.Capture.FPS,
		RecordNeutralActions: cfg.Capture.RecordNeutralActions,
	}, alloc, writer)

	var source stream.Source
	switch cfg.Source.Mode {
	case "bridge":
		source, err = stream.NewSimBridge(cfg.Source.BridgeCommand, cfg.Capture.BufferFrames)
		if err != nil {
			return nil, fmt.Errorf("failed to create sim bridge: %w", err)
		}
	default:
		source = stream.NewMockStream(
			cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS, cfg.Capture.BufferFrames,
		)
	}

	s := &Service{
		cfg:      cfg,
		source:   source,
		recorder: recorder,
		writer:   writer,
		alloc:    alloc,
	}

	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg)
	}

	return s, nil
}

// Run starts the daemon and blocks until the context is cancelled or a
// shutdown command arrives. On return, the shutdown reconciliation has
// completed: no in-flight session with captured frames is ever lost.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("drivecap service starting",
		"instance_id", s.cfg.InstanceID,
		"output_dir", s.cfg.Output.Dir,
		"fps", s.cfg.Capture.FPS,
		"source", s.cfg.Source.Mode,
	)

	// Surface a missing encoder now rather than at the first flush; video
	// writes will still fail per-artifact, not fatally
	if err := artifact.EncoderAvailable(); err != nil {
		slog.Warn("video encoder unavailable, video artifacts will fail", "error", err)
	}

	// MQTT control plane + event emitter (optional)
	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		defer s.emitter.Disconnect()

		s.handler = control.NewHandler(s.cfg, s.emitter.Client, control.Callbacks{
			OnToggleRecording: s.toggleForControl,
			OnGetStatus:       s.statusData,
			OnShutdown: func() error {
				slog.Info("shutdown requested via control plane")
				cancel()
				return nil
			},
		})
		if err := s.handler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control handler: %w", err)
		}
	}

	// Health endpoint (optional)
	s.startHealthServer()

	// Frame source
	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start frame source: %w", err)
	}

	// Frame ingestion: delivered asynchronously by the source goroutine
	s.wg.Add(1)
	go s.consumeFrames(ctx)

	// Action sampling: fixed-rate tick on this goroutine
	tick := time.Second / time.Duration(s.cfg.Capture.ActionTickHz)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	slog.Info("drivecap service running",
		"action_tick_hz", s.cfg.Capture.ActionTickHz,
		"next_session", s.alloc.Peek(),
	)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case now := <-ticker.C:
			s.recorder.OnActionTick(s.source.Control(), now)
		}
	}
}

// consumeFrames feeds source frames into the recorder until the channel
// closes or the context ends.
func (s *Service) consumeFrames(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.source.Frames():
			if !ok {
				return
			}
			s.recorder.OnFrame(frame)
		}
	}
}

// Toggle flips the recording state. Exposed for the control plane and tests.
//
// The flush of a stopped session runs on a context decoupled from the run
// context: a shutdown arriving mid-flush must not abort a save the user
// already requested. shutdown() waits for such a flush via FlushPending
// before releasing external resources; the writer bounds its own I/O.
func (s *Service) Toggle() (*session.ToggleResult, error) {
	res, err := s.recorder.Toggle(context.Background())
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case session.OutcomeStarted:
		if s.emitter != nil {
			s.emitter.RecordingStarted(res.SessionID)
		}
	default:
		s.mu.Lock()
		s.saved = append(s.saved, res)
		s.mu.Unlock()
		if s.emitter != nil {
			s.emitter.RecordingSettled(res)
		}
	}

	return res, nil
}

// toggleForControl adapts Toggle to the control plane callback shape
func (s *Service) toggleForControl() (map[string]interface{}, error) {
	res, err := s.Toggle()
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"state":      res.State.String(),
		"session_id": res.SessionID,
	}
	if res.Outcome != session.OutcomeStarted {
		data["frames"] = res.FrameCount
		data["actions"] = res.ActionCount
		data["duration"] = res.Duration
		data["empty"] = res.Outcome == session.OutcomeEmpty
	}

	return data, nil
}

// shutdown reconciles any in-flight session, then releases external
// resources. The flush runs on a fresh context: the run context is already
// cancelled at this point and must not abort the final save, whose I/O waits
// are bounded internally by the writer.
func (s *Service) shutdown() {
	slog.Info("drivecap service shutting down")

	if res := s.recorder.FlushPending(context.Background()); res != nil {
		s.mu.Lock()
		s.saved = append(s.saved, res)
		s.mu.Unlock()
		if s.emitter != nil {
			s.emitter.RecordingSettled(res)
		}
	}

	// External resources are released only after the flush settled
	if err := s.source.Stop(); err != nil {
		slog.Error("failed to stop frame source", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(s.cfg.ShutdownTimeoutS) * time.Second):
		slog.Warn("shutdown timeout exceeded, some goroutines may still be running")
	}

	if s.handler != nil {
		if err := s.handler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	s.stopHealthServer()

	s.logSummary()

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
}

// logSummary prints the end-of-run session summary
func (s *Service) logSummary() {
	s.mu.RLock()
	saved := s.saved
	s.mu.RUnlock()

	if len(saved) == 0 {
		slog.Info("no recordings were made")
		return
	}

	for _, res := range saved {
		if res.Outcome == session.OutcomeEmpty {
			continue
		}
		slog.Info("session summary",
			"session_id", res.SessionID,
			"duration", res.Duration,
			"frames", res.FrameCount,
			"actions", res.ActionCount,
			"video", s.writer.VideoPath(res.SessionID),
			"actions_log", s.writer.ActionsPath(res.SessionID),
			"audio", s.writer.AudioPath(res.SessionID),
		)
	}

	stats := s.recorder.Stats()
	slog.Info("drivecap service stopped",
		"sessions_saved", stats.SessionsSaved,
		"output_dir", s.cfg.Output.Dir,
		"uptime", time.Since(s.started).Round(time.Second),
	)
}

// listDir returns the filenames in dir, or an empty list if it does not
// exist yet.
func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
