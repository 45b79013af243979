package types

import "time"

// Frame represents a single captured video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the frame data (BGR24 format by default)
	Data []byte
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// Clone returns a deep copy of the frame.
//
// Sources may reuse or invalidate the underlying Data storage immediately
// after the delivery callback returns, so anything that retains a frame
// beyond the callback MUST clone it first.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	clone := f
	clone.Data = data
	return clone
}

// SourceStats contains frame source statistics
type SourceStats struct {
	FrameCount    uint64
	FramesDropped uint64
	FPSTarget     int
	FPSReal       float64
	Resolution    string
	IsConnected   bool
}
