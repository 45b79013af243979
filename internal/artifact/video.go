package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/drivecap/internal/session"
)

// EncoderAvailable checks that GStreamer and the H.264 encode path are
// usable. Intended as a startup probe so a missing encoder is reported
// before the first session instead of at flush time.
func EncoderAvailable() error {
	gst.Init(nil)

	for _, factory := range []string{"appsrc", "videoconvert", "x264enc", "mp4mux", "filesink"} {
		elem, err := gst.NewElement(factory)
		if err != nil {
			return fmt.Errorf("gstreamer element %q not available: %w", factory, err)
		}
		elem.SetState(gst.StateNull)
	}

	return nil
}

// writeVideo encodes the bundle's frames into an MP4 file.
//
// Pipeline structure:
//
//	appsrc (BGR raw) → videoconvert → x264enc → mp4mux → filesink
//
// Frames are pushed in arrival order with synthetic timestamps at the
// nominal rate: no reordering, dropping, or interpolation, so the encoded
// frame count equals len(bundle.Frames). The wait for EOS is bounded; an
// encoder stall surfaces as an error, never a hang.
func (w *Writer) writeVideo(ctx context.Context, path string, bundle *session.Bundle) error {
	if bundle.Width <= 0 || bundle.Height <= 0 {
		return fmt.Errorf("invalid frame geometry %dx%d", bundle.Width, bundle.Height)
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	src, err := app.NewAppSrc()
	if err != nil {
		return fmt.Errorf("failed to create appsrc: %w", err)
	}
	capsStr := fmt.Sprintf(
		"video/x-raw,format=BGR,width=%d,height=%d,framerate=%d/1",
		bundle.Width, bundle.Height, w.cfg.FPS,
	)
	src.SetProperty("caps", gst.NewCapsFromString(capsStr))
	src.SetProperty("is-live", false)
	src.SetProperty("block", true)  // Backpressure instead of unbounded queueing
	src.SetProperty("format", 3)    // GST_FORMAT_TIME: buffers carry PTS

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}

	encoder, err := gst.NewElement("x264enc")
	if err != nil {
		return fmt.Errorf("failed to create x264enc: %w", err)
	}
	// Offline encode: no latency constraint, favor compatibility
	encoder.SetProperty("speed-preset", 6) // medium
	encoder.SetProperty("key-int-max", w.cfg.FPS*2)

	muxer, err := gst.NewElement("mp4mux")
	if err != nil {
		return fmt.Errorf("failed to create mp4mux: %w", err)
	}

	sink, err := gst.NewElement("filesink")
	if err != nil {
		return fmt.Errorf("failed to create filesink: %w", err)
	}
	sink.SetProperty("location", path)
	sink.SetProperty("sync", false) // Encode as fast as possible, no clock sync

	pipeline.AddMany(src.Element, converter, encoder, muxer, sink)
	if err := gst.ElementLinkMany(src.Element, converter, encoder, muxer, sink); err != nil {
		return fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	frameDur := time.Second / time.Duration(w.cfg.FPS)
	for i, frame := range bundle.Frames {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("encode cancelled after %d/%d frames: %w", i, len(bundle.Frames), err)
		}

		buffer := gst.NewBufferFromBytes(frame.Data)
		buffer.SetPresentationTimestamp(time.Duration(i) * frameDur)
		buffer.SetDuration(frameDur)

		if ret := src.PushBuffer(buffer); ret != gst.FlowOK {
			return fmt.Errorf("appsrc rejected frame %d/%d: %s", i, len(bundle.Frames), ret)
		}
	}

	if ret := src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("failed to signal end of stream: %s", ret)
	}

	if err := w.awaitEOS(ctx, pipeline, bundle); err != nil {
		return err
	}

	slog.Debug("artifact: video encoded",
		"session_id", bundle.ID,
		"frames", len(bundle.Frames),
		"fps", w.cfg.FPS,
		"path", path,
	)

	return nil
}

// awaitEOS drains the pipeline bus until EOS or error. The deadline scales
// with the nominal session duration so long sessions get time to encode but
// a stalled encoder still fails in bounded time.
func (w *Writer) awaitEOS(ctx context.Context, pipeline *gst.Pipeline, bundle *session.Bundle) error {
	nominal := time.Duration(len(bundle.Frames)/w.cfg.FPS) * time.Second
	deadline := time.Now().Add(nominal + 30*time.Second)

	bus := pipeline.GetPipelineBus()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("encode cancelled while finalizing: %w", err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for encoder to finish (session %d)", bundle.ID)
		}

		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error: %s", gerr.Error())
		}
	}
}
