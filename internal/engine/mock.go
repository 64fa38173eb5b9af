package engine

import (
	"context"
	"strings"
	"time"
)

// Mock renders deterministic audio without an external worker: each word
// becomes BytesPerWord bytes of patterned PCM. Used for tests and for
// engine.mode=mock deployments.
type Mock struct {
	SampleRate   int
	Channels     int
	BytesPerWord int
	StepDelay    time.Duration // delay before each streamed span
	FailWith     error         // injected failure for every call
}

func NewMock(sampleRate, channels int) *Mock {
	return &Mock{SampleRate: sampleRate, Channels: channels, BytesPerWord: 256}
}

func (m *Mock) Initialize(ctx context.Context) error { return m.FailWith }

func (m *Mock) Synthesize(ctx context.Context, text string, opts Options) (Result, error) {
	if m.FailWith != nil {
		return Result{}, m.FailWith
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	audio := m.render(text)
	return Result{
		Audio:      audio,
		Duration:   pcmDuration(len(audio), m.SampleRate, m.Channels),
		SampleRate: m.SampleRate,
		Channels:   m.Channels,
	}, nil
}

func (m *Mock) SynthesizeStream(ctx context.Context, text string, opts Options, sink Sink) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	for _, word := range strings.Fields(text) {
		if m.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.StepDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink(m.render(word)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mock) Embed(ctx context.Context, refAudio []byte) ([]byte, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	// tiny stable digest so uploads are reproducible in tests
	embedding := make([]byte, 32)
	for i, b := range refAudio {
		embedding[i%len(embedding)] ^= b
	}
	return embedding, nil
}

func (m *Mock) Health(ctx context.Context) Health {
	return Health{Initialized: true, Device: "cpu"}
}

func (m *Mock) render(text string) []byte {
	n := len(strings.Fields(text)) * m.BytesPerWord
	audio := make([]byte, n)
	for i := range audio {
		audio[i] = byte(i % 251)
	}
	return audio
}
