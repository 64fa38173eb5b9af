// Package engine wraps the external speech-synthesis model behind a narrow
// interface. The model is an expensive, stateful resource reached through a
// worker process; access to it is serialized, and each invocation runs in a
// fresh worker so one crashed request cannot corrupt the next.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicegate/voicegate/internal/config"
)

// Options controls a single synthesis invocation.
type Options struct {
	Voice      string
	Language   string
	Speed      float64
	Pitch      float64
	SpeakerWAV string // path to a cloned-voice reference clip, if any
}

// Result is the outcome of a blocking synthesis call.
type Result struct {
	Audio      []byte
	Duration   float64
	SampleRate int
	Channels   int
}

// Health is a best-effort status report; retrieving it never fails.
type Health struct {
	Initialized bool           `json:"initialized"`
	Device      string         `json:"device"`
	Resources   map[string]any `json:"resources,omitempty"`
}

// Sink receives raw PCM spans as streaming synthesis produces them. Returning
// an error aborts the stream.
type Sink func(pcm []byte) error

// Engine is the synthesis contract. Implementations serialize access to the
// underlying worker; callers may invoke concurrently.
type Engine interface {
	// Initialize warms the model. Idempotent; called lazily before first use
	// if the caller never does.
	Initialize(ctx context.Context) error
	// Synthesize renders the full text in one request/response exchange.
	Synthesize(ctx context.Context, text string, opts Options) (Result, error)
	// SynthesizeStream renders the text in word-group batches, handing each
	// batch's PCM to sink as soon as it is available. Span boundaries carry
	// no meaning; re-chunking to network frames is the caller's job.
	SynthesizeStream(ctx context.Context, text string, opts Options, sink Sink) error
	// Embed derives a speaker embedding from a reference clip for cloning.
	Embed(ctx context.Context, refAudio []byte) ([]byte, error)
	// Health reports best-effort engine status.
	Health(ctx context.Context) Health
}

// New builds the engine selected by configuration.
func New(cfg config.EngineConfig, log *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecEngine(cfg, log)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

// pcmDuration converts a PCM byte count to seconds for 16-bit samples.
func pcmDuration(n, sampleRate, channels int) float64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return float64(samples) / float64(sampleRate)
}
