package session

import (
	"context"
	"errors"
	"time"

	"github.com/care/drivecap/internal/types"
)

// State is the recording state of the controller
type State int

const (
	// StateIdle means no session is active; ingested samples are dropped
	StateIdle State = iota
	// StateRecording means an active session is accepting samples
	StateRecording
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// ErrFlushInProgress is returned by Toggle when the previous session is
// still draining to artifacts. The previous state is preserved; the caller
// may retry once the flush settles.
var ErrFlushInProgress = errors.New("session: flush in progress, toggle rejected")

// Bundle is the frozen snapshot of a completed session handed to the
// artifact writer. It is write-once: nothing mutates a bundle after freeze.
type Bundle struct {
	ID        uint64
	StartedAt time.Time
	Frames    []types.Frame
	Actions   []types.ActionSample
	// Width/Height are taken from the first frame (all frames of a session
	// share one geometry)
	Width  int
	Height int
}

// ArtifactResult reports the outcome of persisting one artifact kind.
type ArtifactResult struct {
	Kind string // "video", "actions", "audio"
	Path string
	Err  error
}

// Flusher persists a completed bundle as a set of artifacts. Implementations
// must report each artifact's outcome independently: one failed artifact
// must not prevent attempting the others.
type Flusher interface {
	Flush(ctx context.Context, bundle *Bundle) []ArtifactResult
}

// Outcome classifies what a Toggle call did
type Outcome int

const (
	// OutcomeStarted means a new session began recording
	OutcomeStarted Outcome = iota
	// OutcomeSaved means the session stopped and its flush was attempted
	OutcomeSaved
	// OutcomeEmpty means the session stopped with zero frames; nothing was
	// written
	OutcomeEmpty
)

// ToggleResult describes a settled state transition.
type ToggleResult struct {
	Outcome   Outcome
	State     State
	SessionID uint64
	StartedAt time.Time

	// Populated on stop (OutcomeSaved / OutcomeEmpty)
	FrameCount  int
	ActionCount int
	// Duration is nominal: frames / fps, never wall-clock elapsed
	Duration  float64
	Artifacts []ArtifactResult
}

// Stats is a point-in-time snapshot of the controller's counters.
type Stats struct {
	State           State
	SessionID       uint64
	FramesCaptured  uint64
	ActionsCaptured uint64
	SessionsSaved   uint64
	FlushAttempts   uint64
}
