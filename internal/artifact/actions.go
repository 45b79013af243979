package artifact

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/care/drivecap/internal/session"
	"github.com/care/drivecap/internal/types"
)

// actionLog is the on-disk schema of the action log artifact. The field set
// and ordering are consumed downstream; do not change without versioning.
type actionLog struct {
	SessionID     uint64  `json:"session_id"`
	TotalDuration float64 `json:"total_duration"`
	FrameRate     int     `json:"frame_rate"`
	TotalFrames   int     `json:"total_frames"`
	TotalActions  int     `json:"total_actions"`
	// RecordingStartTime is a human-readable label only; no reported
	// duration is derived from wall-clock time
	RecordingStartTime *string              `json:"recording_start_time"`
	Actions            []types.ActionSample `json:"actions"`
}

// writeActions persists the structured action log with session metadata.
// total_duration is derived from frame count so it always matches the video
// artifact even when real-time delivery was irregular.
func (w *Writer) writeActions(path string, bundle *session.Bundle) error {
	doc := actionLog{
		SessionID:     bundle.ID,
		TotalDuration: float64(len(bundle.Frames)) / float64(w.cfg.FPS),
		FrameRate:     w.cfg.FPS,
		TotalFrames:   len(bundle.Frames),
		TotalActions:  len(bundle.Actions),
		Actions:       bundle.Actions,
	}
	if !bundle.StartedAt.IsZero() {
		label := bundle.StartedAt.Format("2006-01-02 15:04:05")
		doc.RecordingStartTime = &label
	}
	if doc.Actions == nil {
		doc.Actions = []types.ActionSample{}
	}

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal action log: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write action log: %w", err)
	}

	return nil
}
