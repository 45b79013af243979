// Package stream provides frame and vehicle-control sources for the capture
// daemon. The simulation engine itself is an external collaborator; this
// package only implements its delivery boundary: a mock source generating
// synthetic frames, and a bridge attaching to a real simulator feed over a
// length-prefixed msgpack protocol.
package stream

import (
	"context"

	"github.com/care/drivecap/internal/types"
)

// Source defines the contract for frame/control acquisition
//
// Implementations must guarantee:
//   - Start() returns immediately (non-blocking); frames arrive asynchronously
//   - Frames() never closes until Stop()
//   - Frame sends are non-blocking: a full channel drops the frame rather
//     than stalling the producer
//   - Control() is thread-safe and returns the most recent control state
//   - Stop() is idempotent
type Source interface {
	// Start begins frame delivery. Returns an error if the source cannot be
	// established (fatal at startup).
	Start(ctx context.Context) error

	// Frames returns the read-only frame channel
	Frames() <-chan types.Frame

	// Control returns the latest vehicle control state, sampled by the
	// action ticker independently of frame delivery
	Control() types.VehicleControl

	// Stop gracefully shuts down the source
	Stop() error

	// Stats returns source statistics
	Stats() types.SourceStats
}
