package session

import (
	"time"

	"github.com/care/drivecap/internal/types"
)

// captureBuffer is the append-only per-session store for accepted frames and
// action samples. It is owned exclusively by the Recorder and only ever
// touched under the Recorder's mutex.
type captureBuffer struct {
	frames  []types.Frame
	actions []types.ActionSample
}

// reset discards all contents, destroying any orphaned samples from an
// abnormal prior session. Must happen-before any accepted sample of the
// session being started.
func (b *captureBuffer) reset() {
	b.frames = nil
	b.actions = nil
}

// appendFrame stores a frame. The caller must have cloned the frame already;
// the buffer takes ownership of its Data.
func (b *captureBuffer) appendFrame(f types.Frame) {
	b.frames = append(b.frames, f)
}

// appendAction stores an action sample in arrival order.
func (b *captureBuffer) appendAction(s types.ActionSample) {
	b.actions = append(b.actions, s)
}

func (b *captureBuffer) frameCount() int {
	return len(b.frames)
}

// freeze hands the accumulated contents off as a write-once Bundle and leaves
// the buffer empty, ready for the next session. Must happen-after the last
// accepted sample of the session being stopped.
func (b *captureBuffer) freeze(id uint64, startedAt time.Time) *Bundle {
	bundle := &Bundle{
		ID:        id,
		StartedAt: startedAt,
		Frames:    b.frames,
		Actions:   b.actions,
	}
	if len(bundle.Frames) > 0 {
		bundle.Width = bundle.Frames[0].Width
		bundle.Height = bundle.Frames[0].Height
	}

	b.frames = nil
	b.actions = nil

	return bundle
}
