package stream

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/drivecap/internal/types"
)

// FeedMessage is the wire envelope of the simulator feed. Each message is
// framed as a 4-byte big-endian length prefix followed by msgpack payload.
type FeedMessage struct {
	Kind    string                `msgpack:"kind"` // "frame" or "control"
	Seq     uint64                `msgpack:"seq"`
	Width   int                   `msgpack:"width"`
	Height  int                   `msgpack:"height"`
	Data    []byte                `msgpack:"data"`
	Control *types.VehicleControl `msgpack:"control"`
}

// maxFeedMessage bounds a single message: a 4K BGR frame plus envelope
const maxFeedMessage = 64 << 20

// SimBridge attaches to an external simulator feed process. The process
// writes frame and control messages to its stdout; the bridge decodes them
// into the Source contract. Lifecycle follows the external-worker pattern:
// spawn at Start, read until EOF or cancellation, force-kill on Stop timeout.
type SimBridge struct {
	command      []string
	bufferFrames int

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	framesCh chan types.Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	control   types.VehicleControl
	isRunning bool
	startTime time.Time

	frameCount    uint64
	framesDropped uint64
}

// NewSimBridge creates a bridge for the given feed command line
func NewSimBridge(command []string, bufferFrames int) (*SimBridge, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("sim bridge: feed command is required")
	}
	if bufferFrames <= 0 {
		bufferFrames = 10
	}

	return &SimBridge{
		command:      command,
		bufferFrames: bufferFrames,
		framesCh:     make(chan types.Frame, bufferFrames),
	}, nil
}

// Start spawns the feed process and begins decoding messages
func (b *SimBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isRunning {
		return fmt.Errorf("sim bridge: already started")
	}

	b.ctx, b.cancel = context.WithCancel(ctx)

	cmd := exec.CommandContext(b.ctx, b.command[0], b.command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sim bridge: failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("sim bridge: failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sim bridge: failed to start feed process: %w", err)
	}

	b.cmd = cmd
	b.stdout = stdout
	b.stderr = stderr
	b.isRunning = true
	b.startTime = time.Now()

	slog.Info("sim bridge: feed process started",
		"command", b.command[0],
		"pid", cmd.Process.Pid,
	)

	b.wg.Add(2)
	go b.readLoop()
	go b.forwardStderr()

	return nil
}

// Frames returns the frames channel
func (b *SimBridge) Frames() <-chan types.Frame {
	return b.framesCh
}

// Control returns the latest control state reported by the simulator
func (b *SimBridge) Control() types.VehicleControl {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.control
}

// Stop shuts the bridge down, force-killing the feed process if it does not
// exit within the grace period. Idempotent.
func (b *SimBridge) Stop() error {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return nil
	}
	b.isRunning = false
	cancel := b.cancel
	cmd := b.cmd
	b.mu.Unlock()

	slog.Info("sim bridge: stopping")
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("sim bridge: read loop did not exit in time, killing feed process")
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}

	if cmd != nil {
		_ = cmd.Wait()
	}
	close(b.framesCh)

	slog.Info("sim bridge: stopped",
		"frames", atomic.LoadUint64(&b.frameCount),
		"dropped", atomic.LoadUint64(&b.framesDropped),
	)

	return nil
}

// Stats returns bridge statistics
func (b *SimBridge) Stats() types.SourceStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	frameCount := atomic.LoadUint64(&b.frameCount)

	var fpsReal float64
	if !b.startTime.IsZero() {
		uptime := time.Since(b.startTime).Seconds()
		if uptime > 0 {
			fpsReal = float64(frameCount) / uptime
		}
	}

	return types.SourceStats{
		FrameCount:    frameCount,
		FramesDropped: atomic.LoadUint64(&b.framesDropped),
		FPSReal:       fpsReal,
		IsConnected:   b.isRunning,
	}
}

// readLoop decodes framed messages from the feed's stdout until EOF or
// cancellation.
func (b *SimBridge) readLoop() {
	defer b.wg.Done()

	reader := bufio.NewReaderSize(b.stdout, 1<<20)

	for {
		if b.ctx.Err() != nil {
			return
		}

		msg, err := readFeedMessage(reader)
		if err != nil {
			if b.ctx.Err() == nil && err != io.EOF {
				slog.Error("sim bridge: feed read failed", "error", err)
			} else {
				slog.Info("sim bridge: feed closed")
			}
			return
		}

		switch msg.Kind {
		case "frame":
			b.handleFrame(msg)
		case "control":
			if msg.Control != nil {
				b.mu.Lock()
				b.control = *msg.Control
				b.mu.Unlock()
			}
		default:
			slog.Warn("sim bridge: unknown message kind", "kind", msg.Kind)
		}
	}
}

func (b *SimBridge) handleFrame(msg *FeedMessage) {
	seq := atomic.AddUint64(&b.frameCount, 1)

	frame := types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     msg.Width,
		Height:    msg.Height,
		Data:      msg.Data,
		TraceID:   uuid.New().String(),
	}

	// Non-blocking send: drop rather than stall the feed
	select {
	case b.framesCh <- frame:
	default:
		atomic.AddUint64(&b.framesDropped, 1)
		slog.Debug("sim bridge: dropping frame, channel full", "seq", seq)
	}
}

// forwardStderr surfaces the feed process's stderr as log lines
func (b *SimBridge) forwardStderr() {
	defer b.wg.Done()

	scanner := bufio.NewScanner(b.stderr)
	for scanner.Scan() {
		slog.Info("sim bridge: feed", "line", scanner.Text())
	}
}

// readFeedMessage reads one length-prefixed msgpack message
func readFeedMessage(r io.Reader) (*FeedMessage, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthPrefix[:])
	if length == 0 || length > maxFeedMessage {
		return nil, fmt.Errorf("invalid message length %d", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated message: %w", err)
	}

	var msg FeedMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

// EncodeFeedMessage frames a message for the feed protocol. Exported for
// feed implementations and tests.
func EncodeFeedMessage(msg *FeedMessage) ([]byte, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	framed := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(payload)))
	copy(framed[4:], payload)

	return framed, nil
}
