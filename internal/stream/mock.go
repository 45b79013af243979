package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/care/drivecap/internal/types"
)

// MockStream generates synthetic frames and a scripted driving control
// pattern. Used for bring-up without a simulator and by tests.
type MockStream struct {
	width  int
	height int
	fps    int

	framesCh chan types.Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu            sync.RWMutex
	seq           uint64
	framesEmitted uint64
	framesDropped uint64
	isRunning     bool
	startTime     time.Time
	control       types.VehicleControl
}

// NewMockStream creates a new mock source
func NewMockStream(width, height, fps, bufferFrames int) *MockStream {
	if bufferFrames <= 0 {
		bufferFrames = 10
	}
	return &MockStream{
		width:    width,
		height:   height,
		fps:      fps,
		framesCh: make(chan types.Frame, bufferFrames),
		stopCh:   make(chan struct{}),
	}
}

// Start begins generating frames
func (m *MockStream) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Info("mock stream starting",
		"width", m.width,
		"height", m.height,
		"fps", m.fps,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)

	return nil
}

// Frames returns the frames channel
func (m *MockStream) Frames() <-chan types.Frame {
	return m.framesCh
}

// Control returns the current scripted control state
func (m *MockStream) Control() types.VehicleControl {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.control
}

// SetControl overrides the scripted control state (used by tests)
func (m *MockStream) SetControl(c types.VehicleControl) {
	m.mu.Lock()
	m.control = c
	m.mu.Unlock()
}

// Stop stops the stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	slog.Info("mock stream stopping")

	close(m.stopCh)
	m.wg.Wait()
	close(m.framesCh)

	m.mu.Lock()
	m.isRunning = false
	framesEmitted := m.framesEmitted
	started := m.startTime
	m.mu.Unlock()

	slog.Info("mock stream stopped",
		"frames_emitted", framesEmitted,
		"duration", time.Since(started).Round(time.Millisecond),
	)

	return nil
}

// Stats returns stream statistics
func (m *MockStream) Stats() types.SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fpsReal float64
	if m.isRunning && !m.startTime.IsZero() {
		uptime := time.Since(m.startTime).Seconds()
		if uptime > 0 {
			fpsReal = float64(m.framesEmitted) / uptime
		}
	}

	return types.SourceStats{
		FrameCount:    m.framesEmitted,
		FramesDropped: atomic.LoadUint64(&m.framesDropped),
		FPSTarget:     m.fps,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", m.width, m.height),
		IsConnected:   m.isRunning,
	}
}

// generateFrames emits synthetic BGR frames at the target rate and advances
// the scripted control pattern once per frame.
func (m *MockStream) generateFrames(ctx context.Context) {
	defer m.wg.Done()

	interval := time.Second / time.Duration(m.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// One reusable backing buffer: consumers must copy, exactly like a real
	// sensor callback that reuses its storage
	data := make([]byte, m.width*m.height*3)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.seq++
			seq := m.seq
			m.control = scriptedControl(seq, m.fps)
			m.mu.Unlock()

			// Cheap synthetic content: a moving gradient keyed to seq
			shade := byte(seq % 256)
			for i := 0; i < len(data); i += 3 {
				data[i] = shade
			}

			frame := types.Frame{
				Seq:       seq,
				Timestamp: time.Now(),
				Width:     m.width,
				Height:    m.height,
				Data:      data,
				TraceID:   uuid.New().String(),
			}

			select {
			case m.framesCh <- frame:
				m.mu.Lock()
				m.framesEmitted++
				m.mu.Unlock()
			default:
				atomic.AddUint64(&m.framesDropped, 1)
				slog.Debug("mock stream: dropping frame, channel full", "seq", seq)
			}
		}
	}
}

// scriptedControl produces a deterministic driving pattern: accelerate,
// weave gently, brake, repeat on a 12-second cycle.
func scriptedControl(seq uint64, fps int) types.VehicleControl {
	t := float64(seq) / float64(fps)
	phase := math.Mod(t, 12.0)

	switch {
	case phase < 6.0:
		return types.VehicleControl{
			Throttle: 0.8,
			Steer:    0.3 * math.Sin(t/2.0),
		}
	case phase < 8.0:
		return types.VehicleControl{Brake: 1.0}
	default:
		// Coast; neutral unless mid-weave
		return types.VehicleControl{}
	}
}
