// Package artifact persists completed recording sessions as a coherent set
// of three artifacts: an H.264/MP4 video, a JSON action log, and a silent
// placeholder WAV track. All three derive their duration from the bundle's
// frame count and the nominal capture rate, never from wall-clock time, so
// they always agree with each other.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/care/drivecap/internal/session"
)

// Artifact kinds as reported in results and logs
const (
	KindVideo   = "video"
	KindActions = "actions"
	KindAudio   = "audio"
)

// Config contains artifact writer settings
type Config struct {
	// Dir is the output directory; created at construction time
	Dir string
	// Filename prefixes; artifacts are named <prefix>-<sessionId>.<ext>
	VideoPrefix   string
	ActionsPrefix string
	AudioPrefix   string
	// FPS is the nominal capture rate used to derive durations
	FPS int
	// AudioSampleRate is the placeholder track sample rate in Hz
	AudioSampleRate int
}

// Writer persists session bundles. Implements session.Flusher.
//
// Thread-safety: Flush is safe for concurrent use; the three artifact writes
// of a single Flush run concurrently with each other (they share no mutable
// state) and all settle before Flush returns.
type Writer struct {
	cfg Config
}

// NewWriter creates a Writer with fail-fast validation. Failure to create
// the output directory is a startup-fatal condition for the caller.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("artifact: output directory is required")
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("artifact: invalid fps %d", cfg.FPS)
	}
	if cfg.AudioSampleRate <= 0 {
		cfg.AudioSampleRate = 16000
	}
	if cfg.VideoPrefix == "" {
		cfg.VideoPrefix = "recording_drive"
	}
	if cfg.ActionsPrefix == "" {
		cfg.ActionsPrefix = "actions_drive"
	}
	if cfg.AudioPrefix == "" {
		cfg.AudioPrefix = "audio_drive"
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: failed to create output directory: %w", err)
	}

	return &Writer{cfg: cfg}, nil
}

// VideoPath returns the video artifact path for a session id
func (w *Writer) VideoPath(id uint64) string {
	return filepath.Join(w.cfg.Dir, fmt.Sprintf("%s-%d.mp4", w.cfg.VideoPrefix, id))
}

// ActionsPath returns the action log artifact path for a session id
func (w *Writer) ActionsPath(id uint64) string {
	return filepath.Join(w.cfg.Dir, fmt.Sprintf("%s-%d.json", w.cfg.ActionsPrefix, id))
}

// AudioPath returns the audio artifact path for a session id
func (w *Writer) AudioPath(id uint64) string {
	return filepath.Join(w.cfg.Dir, fmt.Sprintf("%s-%d.wav", w.cfg.AudioPrefix, id))
}

// Flush writes the three artifacts for a bundle concurrently and reports
// each outcome independently. A failed artifact never aborts its siblings.
// The caller guarantees the bundle is non-empty.
func (w *Writer) Flush(ctx context.Context, bundle *session.Bundle) []session.ArtifactResult {
	duration := float64(len(bundle.Frames)) / float64(w.cfg.FPS)

	slog.Info("artifact: saving session",
		"session_id", bundle.ID,
		"frames", len(bundle.Frames),
		"actions", len(bundle.Actions),
		"duration", duration,
	)

	results := []session.ArtifactResult{
		{Kind: KindVideo, Path: w.VideoPath(bundle.ID)},
		{Kind: KindActions, Path: w.ActionsPath(bundle.ID)},
		{Kind: KindAudio, Path: w.AudioPath(bundle.ID)},
	}

	started := time.Now()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		results[0].Err = w.writeVideo(ctx, results[0].Path, bundle)
	}()
	go func() {
		defer wg.Done()
		results[1].Err = w.writeActions(results[1].Path, bundle)
	}()
	go func() {
		defer wg.Done()
		results[2].Err = w.writeAudio(results[2].Path, bundle)
	}()
	wg.Wait()

	for _, res := range results {
		if res.Err != nil {
			slog.Error("artifact: write failed",
				"session_id", bundle.ID,
				"kind", res.Kind,
				"path", res.Path,
				"error", res.Err,
			)
		} else {
			slog.Info("artifact: written",
				"session_id", bundle.ID,
				"kind", res.Kind,
				"path", res.Path,
			)
		}
	}

	slog.Info("artifact: session flush settled",
		"session_id", bundle.ID,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)

	return results
}
