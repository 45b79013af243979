package session

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/drivecap/internal/types"
)

// RecorderConfig contains construction parameters for the Recorder
type RecorderConfig struct {
	// FPS is the nominal capture rate; all reported durations derive from it
	FPS int
	// RecordNeutralActions retains action samples carrying no input
	RecordNeutralActions bool
}

// Recorder is the session recording controller. It gates sample ingestion on
// the recording state, owns the capture buffer, and routes completed sessions
// through the Flusher.
//
// Thread-safety: all methods are safe for concurrent use.
type Recorder struct {
	fps           int
	recordNeutral bool
	alloc         *Allocator
	flusher       Flusher

	// recording mirrors the state for the lock-free fast path in OnFrame;
	// the mutex-guarded state below is authoritative
	recording atomic.Bool

	mu        sync.Mutex
	state     State
	sessionID uint64
	startedAt time.Time
	buf       captureBuffer
	flushing  bool
	// flushed is signaled whenever the flushing flag clears
	flushed *sync.Cond

	// Per-session progress counter (frames accepted since session start)
	framesCaptured uint64

	// Process-lifetime counters (atomic)
	totalFrames   uint64
	totalActions  uint64
	sessionsSaved uint64
	flushAttempts uint64
}

// NewRecorder creates a recording controller with fail-fast validation.
// The allocator should be bootstrapped from the output directory before the
// first toggle.
func NewRecorder(cfg RecorderConfig, alloc *Allocator, flusher Flusher) *Recorder {
	if cfg.FPS <= 0 {
		cfg.FPS = 20
	}

	r := &Recorder{
		fps:           cfg.FPS,
		recordNeutral: cfg.RecordNeutralActions,
		alloc:         alloc,
		flusher:       flusher,
		state:         StateIdle,
	}
	r.flushed = sync.NewCond(&r.mu)
	return r
}

// State returns the current recording state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnFrame ingests one captured frame.
//
// Cheap when Idle: a lock-free state check drops the frame without copying.
// When Recording, the frame data is defensively copied before the append
// because the source reuses its underlying storage as soon as the delivery
// callback returns. Never blocks on I/O.
func (r *Recorder) OnFrame(f types.Frame) {
	// Fast path: not recording, nothing to do
	if !r.recording.Load() {
		return
	}

	r.mu.Lock()
	// Re-check under the lock: a stop transition may have settled between
	// the fast-path check and here. The frame then belongs to no session.
	if r.state != StateRecording {
		r.mu.Unlock()
		return
	}

	r.buf.appendFrame(f.Clone())
	r.framesCaptured++
	captured := r.framesCaptured
	r.mu.Unlock()

	atomic.AddUint64(&r.totalFrames, 1)

	// Progress report once per nominal second
	if captured%uint64(r.fps) == 0 {
		slog.Debug("session: frames captured",
			"frames", captured,
			"seconds", float64(captured)/float64(r.fps),
		)
	}
}

// OnActionTick ingests one control sample taken at the action tick rate.
// The relative timestamp is computed against the session start; neutral
// samples are skipped unless RecordNeutralActions is set. The action stream
// is independent of the frame stream and may tick at a different rate.
func (r *Recorder) OnActionTick(ctrl types.VehicleControl, now time.Time) {
	if !r.recording.Load() {
		return
	}

	if ctrl.Neutral() && !r.recordNeutral {
		return
	}

	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return
	}

	elapsed := now.Sub(r.startedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	r.buf.appendAction(types.ActionSample{
		Timestamp:    math.Round(elapsed*1000) / 1000,
		AbsoluteTime: now.Format("15:04:05"),
		Steer:        ctrl.Steer,
		Throttle:     ctrl.Throttle,
		Brake:        ctrl.Brake,
		Reverse:      ctrl.Reverse,
		HandBrake:    ctrl.HandBrake,
	})
	r.mu.Unlock()

	atomic.AddUint64(&r.totalActions, 1)
}

// Toggle flips the recording state.
//
// Idle→Recording allocates a fresh session id, clears any residual buffer
// contents, and begins accepting samples. Recording→Idle freezes the buffer
// into a Bundle and runs the flush to completion before the toggle settles;
// a further Toggle during that flush is rejected with ErrFlushInProgress.
//
// A flush failure for any artifact is reported in the result but the state
// still returns to Idle; a session that fails to persist is not retried.
func (r *Recorder) Toggle(ctx context.Context) (*ToggleResult, error) {
	r.mu.Lock()

	if r.flushing {
		r.mu.Unlock()
		slog.Warn("session: toggle rejected, previous session still flushing")
		return nil, ErrFlushInProgress
	}

	switch r.state {
	case StateIdle:
		id := r.alloc.Next()
		// Clear must happen-before any accepted sample of the new session
		r.buf.reset()
		r.state = StateRecording
		r.sessionID = id
		r.startedAt = time.Now()
		r.framesCaptured = 0
		r.recording.Store(true)
		startedAt := r.startedAt
		r.mu.Unlock()

		slog.Info("session: recording started",
			"session_id", id,
			"start_time", startedAt.Format("15:04:05"),
		)

		return &ToggleResult{
			Outcome:   OutcomeStarted,
			State:     StateRecording,
			SessionID: id,
			StartedAt: startedAt,
		}, nil

	case StateRecording:
		// Freeze happens-after the last accepted sample: both hold the mutex
		r.recording.Store(false)
		bundle := r.buf.freeze(r.sessionID, r.startedAt)
		r.state = StateIdle
		r.flushing = true
		r.mu.Unlock()

		elapsed := time.Since(bundle.StartedAt)
		slog.Info("session: recording stopped",
			"session_id", bundle.ID,
			"wall_clock_duration", elapsed.Round(10*time.Millisecond),
			"frames", len(bundle.Frames),
			"actions", len(bundle.Actions),
			"nominal_duration", r.nominalDuration(len(bundle.Frames)),
		)

		result := r.flush(ctx, bundle)

		r.mu.Lock()
		r.flushing = false
		r.flushed.Broadcast()
		r.mu.Unlock()

		return result, nil
	}

	r.mu.Unlock()
	return nil, nil
}

// FlushPending is the shutdown reconciler hook. It first waits for any
// stop-toggle flush still draining to settle, so a user-requested save is
// never aborted by teardown. Then, if a session is mid-flight with a
// non-empty buffer, it is forced through the stop transition and flushed
// synchronously; an Idle state (or an empty mid-flight buffer) attempts no
// flush. Must run before external resources are released; the wait is
// bounded because the artifact writer bounds its own I/O.
//
// Returns the settled result, or nil if there was nothing to reconcile.
func (r *Recorder) FlushPending(ctx context.Context) *ToggleResult {
	r.mu.Lock()
	for r.flushing {
		r.flushed.Wait()
	}
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil
	}

	if r.buf.frameCount() == 0 {
		// Nothing worth persisting; just settle the state
		r.recording.Store(false)
		r.state = StateIdle
		id := r.sessionID
		r.mu.Unlock()
		slog.Warn("session: discarding empty in-flight session at shutdown",
			"session_id", id,
		)
		return nil
	}

	r.recording.Store(false)
	bundle := r.buf.freeze(r.sessionID, r.startedAt)
	r.state = StateIdle
	r.flushing = true
	r.mu.Unlock()

	slog.Info("session: saving in-flight session before shutdown",
		"session_id", bundle.ID,
		"frames", len(bundle.Frames),
	)

	result := r.flush(ctx, bundle)

	r.mu.Lock()
	r.flushing = false
	r.flushed.Broadcast()
	r.mu.Unlock()

	return result
}

// flush routes a frozen bundle through the Flusher and assembles the result.
// Runs outside the controller mutex so ingestion for a future session is
// never stalled on artifact I/O.
func (r *Recorder) flush(ctx context.Context, bundle *Bundle) *ToggleResult {
	result := &ToggleResult{
		State:       StateIdle,
		SessionID:   bundle.ID,
		StartedAt:   bundle.StartedAt,
		FrameCount:  len(bundle.Frames),
		ActionCount: len(bundle.Actions),
		Duration:    r.nominalDuration(len(bundle.Frames)),
	}

	if len(bundle.Frames) == 0 {
		result.Outcome = OutcomeEmpty
		slog.Warn("session: no frames in session, nothing to save",
			"session_id", bundle.ID,
		)
		return result
	}

	atomic.AddUint64(&r.flushAttempts, 1)

	result.Outcome = OutcomeSaved
	result.Artifacts = r.flusher.Flush(ctx, bundle)

	failed := 0
	for _, a := range result.Artifacts {
		if a.Err != nil {
			failed++
			slog.Error("session: artifact write failed",
				"session_id", bundle.ID,
				"kind", a.Kind,
				"error", a.Err,
			)
		}
	}

	if failed == 0 {
		atomic.AddUint64(&r.sessionsSaved, 1)
		slog.Info("session: saved",
			"session_id", bundle.ID,
			"duration", result.Duration,
			"frames", result.FrameCount,
			"actions", result.ActionCount,
		)
	} else {
		slog.Warn("session: saved with failures",
			"session_id", bundle.ID,
			"artifacts_failed", failed,
			"artifacts_total", len(result.Artifacts),
		)
	}

	return result
}

// nominalDuration derives a session duration from frame count and the
// nominal rate. Wall-clock elapsed time is deliberately not used so the
// video, action log, and audio artifacts always agree.
func (r *Recorder) nominalDuration(frames int) float64 {
	return float64(frames) / float64(r.fps)
}

// Stats returns a snapshot of the controller counters
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	state := r.state
	id := r.sessionID
	r.mu.Unlock()

	return Stats{
		State:           state,
		SessionID:       id,
		FramesCaptured:  atomic.LoadUint64(&r.totalFrames),
		ActionsCaptured: atomic.LoadUint64(&r.totalActions),
		SessionsSaved:   atomic.LoadUint64(&r.sessionsSaved),
		FlushAttempts:   atomic.LoadUint64(&r.flushAttempts),
	}
}
