package artifact

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/care/drivecap/internal/session"
)

// writeAudio persists the placeholder audio track: mono 16-bit PCM silence
// whose sample count is derived from the bundle's frame count and the
// nominal capture rate, so audio duration always matches the video.
func (w *Writer) writeAudio(path string, bundle *session.Bundle) error {
	duration := float64(len(bundle.Frames)) / float64(w.cfg.FPS)
	numSamples := int(math.Round(duration * float64(w.cfg.AudioSampleRate)))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create audio file: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, w.cfg.AudioSampleRate, 16, 1, 1)

	// Write silence one nominal second at a time to bound memory for long
	// sessions
	format := &audio.Format{NumChannels: 1, SampleRate: w.cfg.AudioSampleRate}
	chunk := w.cfg.AudioSampleRate
	for remaining := numSamples; remaining > 0; remaining -= chunk {
		n := chunk
		if remaining < chunk {
			n = remaining
		}
		buf := &audio.IntBuffer{
			Format:         format,
			SourceBitDepth: 16,
			Data:           make([]int, n),
		}
		if err := enc.Write(buf); err != nil {
			enc.Close()
			return fmt.Errorf("failed to write audio samples: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize audio file: %w", err)
	}

	return nil
}
