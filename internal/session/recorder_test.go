package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/care/drivecap/internal/session"
	"github.com/care/drivecap/internal/types"
)

// captureFlusher records every bundle it is handed and answers with canned
// artifact results. A non-nil gate channel makes Flush block until released,
// which lets tests hold the controller in its flushing window; a non-nil
// entered channel receives one signal when Flush begins.
type captureFlusher struct {
	mu      sync.Mutex
	bundles []*session.Bundle
	results []session.ArtifactResult
	gate    chan struct{}
	entered chan struct{}
}

func (f *captureFlusher) Flush(_ context.Context, b *session.Bundle) []session.ArtifactResult {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.bundles = append(f.bundles, b)
	f.mu.Unlock()
	if f.results != nil {
		return f.results
	}
	return []session.ArtifactResult{
		{Kind: "video", Path: fmt.Sprintf("recording_drive-%d.mp4", b.ID)},
		{Kind: "actions", Path: fmt.Sprintf("actions_drive-%d.json", b.ID)},
		{Kind: "audio", Path: fmt.Sprintf("audio_drive-%d.wav", b.ID)},
	}
}

func (f *captureFlusher) flushed() []*session.Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*session.Bundle, len(f.bundles))
	copy(out, f.bundles)
	return out
}

func newRecorder(t *testing.T, flusher session.Flusher) *session.Recorder {
	t.Helper()
	return session.NewRecorder(session.RecorderConfig{FPS: 20}, session.NewAllocator(), flusher)
}

func mkFrame(seq uint64, fill byte) types.Frame {
	data := make([]byte, 16*8*3)
	for i := range data {
		data[i] = fill
	}
	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     16,
		Height:    8,
		Data:      data,
	}
}

// TestToggleStartStop validates the nominal session lifecycle.
//
// Scenario: toggle on, deliver 100 frames and a few action samples,
// toggle off.
//
// Contract:
//   - start yields session id 1 and StateRecording
//   - stop flushes exactly one bundle holding everything delivered in between
//   - reported duration is frames/fps, not wall-clock
func TestToggleStartStop(t *testing.T) {
	flusher := &captureFlusher{}
	rec := newRecorder(t, flusher)

	res, err := rec.Toggle(context.Background())
	if err != nil {
		t.Fatalf("start toggle failed: %v", err)
	}
	if res.Outcome != session.OutcomeStarted || res.SessionID != 1 {
		t.Fatalf("start = outcome %v id %d, want started id 1", res.Outcome, res.SessionID)
	}
	if rec.State() != session.StateRecording {
		t.Fatalf("state after start = %v, want recording", rec.State())
	}

	for i := 0; i < 100; i++ {
		rec.OnFrame(mkFrame(uint64(i), 0x10))
	}
	now := res.StartedAt
	for i := 0; i < 5; i++ {
		rec.OnActionTick(types.VehicleControl{Throttle: 0.5}, now.Add(time.Duration(i)*50*time.Millisecond))
	}

	res, err = rec.Toggle(context.Background())
	if err != nil {
		t.Fatalf("stop toggle failed: %v", err)
	}
	if res.Outcome != session.OutcomeSaved {
		t.Fatalf("stop outcome = %v, want saved", res.Outcome)
	}
	if res.FrameCount != 100 || res.ActionCount != 5 {
		t.Errorf("counts = %d frames / %d actions, want 100 / 5", res.FrameCount, res.ActionCount)
	}
	if res.Duration != 5.0 {
		t.Errorf("duration = %v, want 5.0 (100 frames at 20 fps)", res.Duration)
	}
	if len(res.Artifacts) != 3 {
		t.Errorf("artifacts = %d, want 3", len(res.Artifacts))
	}

	bundles := flusher.flushed()
	if len(bundles) != 1 {
		t.Fatalf("flushed %d bundles, want 1", len(bundles))
	}
	if got := len(bundles[0].Frames); got != 100 {
		t.Errorf("bundle frames = %d, want 100", got)
	}
	if bundles[0].Width != 16 || bundles[0].Height != 8 {
		t.Errorf("bundle geometry = %dx%d, want 16x8", bundles[0].Width, bundles[0].Height)
	}

	t.Logf("✅ session 1 saved: %d frames, %d actions, %.1fs", res.FrameCount, res.ActionCount, res.Duration)
}

// TestFramesWhileIdleAreDropped guards against the stale-buffer regression:
// frames delivered outside a session must never surface in a later bundle.
func TestFramesWhileIdleAreDropped(t *testing.T) {
	flusher := &captureFlusher{}
	rec := newRecorder(t, flusher)

	// Delivered while idle: must vanish
	for i := 0; i < 50; i++ {
		rec.OnFrame(mkFrame(9000+uint64(i), 0xFF))
	}

	if _, err := rec.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		rec.OnFrame(mkFrame(uint64(i), 0x20))
	}
	res, err := rec.Toggle(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.FrameCount != 10 {
		t.Fatalf("frame count = %d, want 10 (idle frames leaked into the session)", res.FrameCount)
	}
	for _, f := range flusher.flushed()[0].Frames {
		if f.Seq >= 9000 {
			t.Fatalf("bundle contains pre-session frame seq %d", f.Seq)
		}
	}
}

// TestBackToBackSessions validates session isolation across consecutive
// recordings from the same process.
//
// Contract:
//   - ids are sequential (1, 2)
//   - the second bundle holds only frames delivered during the second session
func TestBackToBackSessions(t *testing.T) {
	flusher := &captureFlusher{}
	rec := newRecorder(t, flusher)

	ctx := context.Background()
	for want := uint64(1); want <= 2; want++ {
		res, err := rec.Toggle(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.SessionID != want {
			t.Fatalf("session id = %d, want %d", res.SessionID, want)
		}
		for i := 0; i < 5; i++ {
			rec.OnFrame(mkFrame(want*100+uint64(i), byte(want)))
		}
		if _, err := rec.Toggle(ctx); err != nil {
			t.Fatal(err)
		}
	}

	bundles := flusher.flushed()
	if len(bundles) != 2 {
		t.Fatalf("flushed %d bundles, want 2", len(bundles))
	}
	for _, f := range bundles[1].Frames {
		if f.Seq < 200 {
			t.Fatalf("second bundle contains first-session frame seq %d", f.Seq)
		}
	}
}

// TestEmptyStopWritesNothing validates the zero-frame stop path: no artifacts
// are attempted and the outcome is reported as empty.
func TestEmptyStopWritesNothing(t *testing.T) {
	flusher := &captureFlusher{}
	rec := newRecorder(t, flusher)

	ctx := context.Background()
	if _, err := rec.Toggle(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := rec.Toggle(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if res.Outcome != session.OutcomeEmpty {
		t.Fatalf("outcome = %v, want empty", res.Outcome)
	}
	if len(flusher.flushed()) != 0 {
		t.Fatal("flusher was called for an empty session")
	}
	if rec.State() != session.StateIdle {
		t.Fatalf("state = %v, want idle", rec.State())
	}

	// The consumed id is not reused
	res, err = rec.Toggle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != 2 {
		t.Errorf("next session id = %d, want 2 (empty session consumed id 1)", res.SessionID)
	}
}

// TestToggleDuringFlushRejected validates that the toggle is inert while the
// previous session is still draining to disk.
func TestToggleDuringFlushRejected(t *testing.T) {
	flusher := &captureFlusher{gate: make(chan struct{})}
	rec := newRecorder(t, flusher)

	ctx := context.Background()
	if _, err := rec.Toggle(ctx); err != nil {
		t.Fatal(err)
	}
	rec.OnFrame(mkFrame(1, 0x01))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := rec.Toggle(ctx); err != nil {
			t.Errorf("stop toggle failed: %v", err)
		}
	}()

	// Wait until the stop transition has settled into the flushing window
	deadline := time.After(2 * time.Second)
	for rec.State() != session.StateIdle {
		select {
		case <-deadline:
			t.Fatal("stop transition never reached the flushing window")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := rec.Toggle(ctx); !errors.Is(err, session.ErrFlushInProgress) {
		t.Fatalf("toggle during flush: err = %v, want ErrFlushInProgress", err)
	}

	close(flusher.gate)
	<-done

	// Once settled, toggling works again
	res, err := rec.Toggle(ctx)
	if err != nil {
		t.Fatalf("toggle after flush settled: %v", err)
	}
	if res.Outcome != session.OutcomeStarted {
		t.Fatalf("outcome = %v, want started", res.Outcome)
	}
}

// TestNeutralActionFiltering validates the default action log density rule:
// samples carrying no input are skipped unless explicitly retained.
func TestNeutralActionFiltering(t *testing.T) {
	tests := []struct {
		name          string
		recordNeutral bool
		want          int
	}{
		{name: "neutral skipped by default", recordNeutral: false, want: 2},
		{name: "neutral retained when configured", recordNeutral: true, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flusher := &captureFlusher{}
			rec := session.NewRecorder(session.RecorderConfig{
				FPS:                  20,
				RecordNeutralActions: tt.recordNeutral,
			}, session.NewAllocator(), flusher)

			ctx := context.Background()
			res, err := rec.Toggle(ctx)
			if err != nil {
				t.Fatal(err)
			}
			rec.OnFrame(mkFrame(1, 0x01))

			now := res.StartedAt
			rec.OnActionTick(types.VehicleControl{}, now)
			rec.OnActionTick(types.VehicleControl{Throttle: 0.8}, now.Add(50*time.Millisecond))
			rec.OnActionTick(types.VehicleControl{}, now.Add(100*time.Millisecond))
			rec.OnActionTick(types.VehicleControl{Brake: 1, HandBrake: true}, now.Add(150*time.Millisecond))

			res, err = rec.Toggle(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if res.ActionCount != tt.want {
				t.Errorf("action count = %d, want %d", res.ActionCount, tt.want)
			}
		})
	}
}

// TestActionTimestampsAreRelative validates the action log timebase: samples
// carry seconds relative to session start, rounded to the millisecond.
func TestActionTimestampsAreRelative(t *testing.T) {
	flusher := &captureFlusher{}
	rec := newRecorder(t, flusher)

	ctx := context.Background()
	res, err := rec.Toggle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	start := res.StartedAt

	rec.OnFrame(mkFrame(1, 0x01))
	rec.OnActionTick(types.VehicleControl{Steer: -0.3}, start.Add(1234567*time.Microsecond))

	if _, err := rec.Toggle(ctx); err != nil {
		t.Fatal(err)
	}

	actions := flusher.flushed()[0].Actions
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	if actions[0].Timestamp != 1.235 {
		t.Errorf("timestamp = %v, want 1.235", actions[0].Timestamp)
	}
	if actions[0].Steer != -0.3 {
		t.Errorf("steer = %v, want -0.3", actions[0].Steer)
	}
}

// TestFrameDataIsCopied guards against sources that recycle their frame
// buffer: mutating the delivered slice after OnFrame returns must not alter
// what the session saved.
func TestFrameDataIsCopied(t *testing.T) {
	flusher := &captureFlusher{}
	rec := newRecorder(t, flusher)

	ctx := context.Background()
	if _, err := rec.Toggle(ctx); err != nil {
		t.Fatal(err)
	}

	f := mkFrame(1, 0xAA)
	rec.OnFrame(f)
	for i := range f.Data {
		f.Data[i] = 0x00 // source reuses its buffer
	}

	if _, err := rec.Toggle(ctx); err != nil {
		t.Fatal(err)
	}

	saved := flusher.flushed()[0].Frames[0]
	if saved.Data[0] != 0xAA {
		t.Fatal("bundle frame shares storage with the source buffer")
	}
}

// TestFlushFailureStillReturnsIdle validates that a failed artifact write is
// reported but never wedges the controller: the state settles to Idle and a
// new session can start.
func TestFlushFailureStillReturnsIdle(t *testing.T) {
	flusher := &captureFlusher{
		results: []session.ArtifactResult{
			{Kind: "video", Err: errors.New("encoder unavailable")},
			{Kind: "actions", Path: "actions_drive-1.json"},
			{Kind: "audio", Path: "audio_drive-1.wav"},
		},
	}
	rec := newRecorder(t, flusher)

	ctx := context.Background()
	if _, err := rec.Toggle(ctx); err != nil {
		t.Fatal(err)
	}
	rec.OnFrame(mkFrame(1, 0x01))

	res, err := rec.Toggle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != session.OutcomeSaved {
		t.Fatalf("outcome = %v, want saved (partial)", res.Outcome)
	}

	var failed int
	for _, a := range res.Artifacts {
		if a.Err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed artifacts = %d, want 1", failed)
	}
	if rec.State() != session.StateIdle {
		t.Fatalf("state = %v, want idle", rec.State())
	}

	if _, err := rec.Toggle(ctx); err != nil {
		t.Fatalf("toggle after failed flush: %v", err)
	}
}

// TestFlushPending validates the shutdown reconciler.
//
// Scenarios:
//   - idle at shutdown: nothing flushed
//   - mid-flight with frames: flushed exactly once
//   - mid-flight but empty: discarded without touching the flusher
func TestFlushPending(t *testing.T) {
	ctx := context.Background()

	t.Run("idle", func(t *testing.T) {
		flusher := &captureFlusher{}
		rec := newRecorder(t, flusher)
		if res := rec.FlushPending(ctx); res != nil {
			t.Fatalf("FlushPending while idle returned %+v, want nil", res)
		}
		if len(flusher.flushed()) != 0 {
			t.Fatal("flusher called while idle")
		}
	})

	t.Run("mid-flight with frames", func(t *testing.T) {
		flusher := &captureFlusher{}
		rec := newRecorder(t, flusher)
		if _, err := rec.Toggle(ctx); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 40; i++ {
			rec.OnFrame(mkFrame(uint64(i), 0x01))
		}

		res := rec.FlushPending(ctx)
		if res == nil || res.Outcome != session.OutcomeSaved {
			t.Fatalf("FlushPending = %+v, want saved result", res)
		}
		if got := len(flusher.flushed()); got != 1 {
			t.Fatalf("flushed %d bundles, want exactly 1", got)
		}
		if rec.State() != session.StateIdle {
			t.Fatalf("state = %v, want idle", rec.State())
		}

		// Second call finds nothing left to reconcile
		if res := rec.FlushPending(ctx); res != nil {
			t.Fatalf("second FlushPending returned %+v, want nil", res)
		}
		if got := len(flusher.flushed()); got != 1 {
			t.Fatalf("flushed %d bundles after second call, want 1", got)
		}
	})

	t.Run("mid-flight empty", func(t *testing.T) {
		flusher := &captureFlusher{}
		rec := newRecorder(t, flusher)
		if _, err := rec.Toggle(ctx); err != nil {
			t.Fatal(err)
		}
		if res := rec.FlushPending(ctx); res != nil {
			t.Fatalf("FlushPending for empty session returned %+v, want nil", res)
		}
		if len(flusher.flushed()) != 0 {
			t.Fatal("flusher called for empty in-flight session")
		}
		if rec.State() != session.StateIdle {
			t.Fatalf("state = %v, want idle", rec.State())
		}
	})
}

// TestFlushPendingWaitsForStopFlush validates the shutdown ordering when a
// user-requested stop is still draining: the reconciler must block until
// that flush settles, so teardown never overlaps (or aborts) the save.
//
// Contract:
//   - FlushPending called mid-flush does not return until the flush settles
//   - the session is flushed exactly once; the reconciler finds nothing left
func TestFlushPendingWaitsForStopFlush(t *testing.T) {
	flusher := &captureFlusher{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	rec := newRecorder(t, flusher)

	ctx := context.Background()
	if _, err := rec.Toggle(ctx); err != nil {
		t.Fatal(err)
	}
	rec.OnFrame(mkFrame(1, 0x01))

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		if _, err := rec.Toggle(ctx); err != nil {
			t.Errorf("stop toggle failed: %v", err)
		}
	}()

	// The stop flush is now verifiably in flight
	select {
	case <-flusher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("stop toggle never reached the flusher")
	}

	pendDone := make(chan *session.ToggleResult, 1)
	go func() { pendDone <- rec.FlushPending(ctx) }()

	select {
	case <-pendDone:
		t.Fatal("FlushPending returned while the stop-toggle flush was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(flusher.gate)
	<-stopDone

	select {
	case res := <-pendDone:
		if res != nil {
			t.Fatalf("FlushPending = %+v, want nil (stop toggle already saved)", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("FlushPending never settled after the flush finished")
	}

	if got := len(flusher.flushed()); got != 1 {
		t.Fatalf("flushed %d bundles, want exactly 1", got)
	}

	t.Logf("✅ reconciler waited out the in-flight stop flush")
}

// TestConcurrentIngestionDuringToggles hammers OnFrame and OnActionTick from
// producer goroutines while the main goroutine toggles sessions. Run with
// -race. Every frame that lands in a bundle must carry that bundle's session
// marker, and no frame may appear twice.
func TestConcurrentIngestionDuringToggles(t *testing.T) {
	flusher := &captureFlusher{}
	rec := newRecorder(t, flusher)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			var seq uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				seq++
				rec.OnFrame(mkFrame(uint64(p)<<32|seq, byte(p)))
				rec.OnActionTick(types.VehicleControl{Throttle: 0.2}, time.Now())
			}
		}(p)
	}

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := rec.Toggle(ctx); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
		if _, err := rec.Toggle(ctx); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, b := range flusher.flushed() {
		for _, f := range b.Frames {
			if seen[f.Seq] {
				t.Fatalf("frame seq %d appears in more than one bundle", f.Seq)
			}
			seen[f.Seq] = true
		}
	}
	t.Logf("✅ %d bundles, %d distinct frames, no duplication", len(flusher.flushed()), len(seen))
}
