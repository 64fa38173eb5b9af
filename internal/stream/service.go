// Package stream manages concurrent synthesis sessions: it drives the engine
// segment by segment, re-slices the produced PCM into fixed network chunks,
// paces delivery, and fans chunk events out to the caller and the bus.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voicegate/voicegate/internal/bus"
	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/engine"
	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/segment"
)

// EventType discriminates session events.
type EventType string

const (
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one occurrence within a streaming session. Chunk is set for
// EventChunk; Chunks and Duration summarize the session for EventComplete;
// Err carries the failure for EventError. The event channel closes after a
// terminal event, or without one when the session was stopped.
type Event struct {
	Type     EventType
	Chunk    *protocol.AudioChunk
	Chunks   int
	Duration float64
	Err      error
}

// Request describes a new streaming session.
type Request struct {
	SessionID string // optional; generated when empty
	TenantID  string
	Text      string
	Options   engine.Options
}

// Status is a point-in-time snapshot of a live session.
type Status struct {
	SessionID  string    `json:"session_id"`
	TenantID   string    `json:"tenant_id"`
	StartedAt  time.Time `json:"started_at"`
	ChunksSent int       `json:"chunks_sent"`
	BytesSent  int64     `json:"bytes_sent"`
}

// Stats summarizes service-wide activity.
type Stats struct {
	ActiveSessions int   `json:"active_sessions"`
	MaxSessions    int   `json:"max_sessions"`
	TotalSessions  int64 `json:"total_sessions"`
	TotalChunks    int64 `json:"total_chunks"`
}

type session struct {
	id        string
	tenantID  string
	startedAt time.Time
	cancel    context.CancelFunc
	stopped   atomic.Bool

	mu         sync.Mutex
	chunksSent int
	bytesSent  int64
}

// Service owns the session registry. All methods are safe for concurrent use.
type Service struct {
	cfg        config.StreamingConfig
	sampleRate int
	channels   int
	eng        engine.Engine
	bus        *bus.Client
	log        *slog.Logger
	clock      func() time.Time
	newID      func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session

	totalSessions atomic.Int64
	totalChunks   atomic.Int64

	chunkCounter metric.Int64Counter
	errorCounter metric.Int64Counter
	latencyHist  metric.Float64Histogram
}

func NewService(cfg config.StreamingConfig, engCfg config.EngineConfig, eng engine.Engine, busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		sampleRate: engCfg.SampleRate,
		channels:   engCfg.Channels,
		eng:        eng,
		bus:        busClient,
		log:        log.With(slog.String("component", "stream-service")),
		clock:      time.Now,
		newID:      func() string { return uuid.NewString() },
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/voicegate/voicegate/stream")
	gauge, err := meter.Int64ObservableGauge("voicegate.streams.active",
		metric.WithDescription("Streaming sessions currently live"))
	if err != nil {
		return err
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(s.Active()))
		return nil
	}, gauge); err != nil {
		return err
	}
	if s.chunkCounter, err = meter.Int64Counter("voicegate.streams.chunks",
		metric.WithDescription("Audio chunks delivered")); err != nil {
		return err
	}
	if s.errorCounter, err = meter.Int64Counter("voicegate.streams.errors",
		metric.WithDescription("Streaming sessions ended in error")); err != nil {
		return err
	}
	s.latencyHist, err = meter.Float64Histogram("voicegate.synthesis.latency",
		metric.WithDescription("Milliseconds from session start to first audio chunk"),
		metric.WithUnit("ms"))
	return err
}

// Start registers a session and begins synthesis. The returned channel
// delivers chunk events in order followed by exactly one terminal event,
// then closes. Admission is checked synchronously; synthesis is not.
func (s *Service) Start(req Request) (string, <-chan Event, error) {
	id := req.SessionID
	if id == "" {
		id = s.newID()
	}

	s.mu.Lock()
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return "", nil, protocol.NewError(protocol.KindCapacity, protocol.CodeCapacityExceeded,
			fmt.Sprintf("maximum of %d concurrent streams reached", s.cfg.MaxSessions))
	}
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return "", nil, protocol.NewError(protocol.KindInput, protocol.CodeDuplicateSession,
			fmt.Sprintf("session %s already active", id))
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sess := &session{
		id:        id,
		tenantID:  req.TenantID,
		startedAt: s.clock(),
		cancel:    cancel,
	}
	s.sessions[id] = sess
	s.mu.Unlock()
	s.totalSessions.Add(1)

	events := make(chan Event, s.cfg.EventBuffer)
	s.wg.Add(1)
	go s.run(ctx, sess, req, events)

	return id, events, nil
}

// Stop cancels a session. The event channel closes without a terminal event.
// Stopping an unknown or finished session is a no-op.
func (s *Service) Stop(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.stopped.Store(true)
	sess.cancel()
}

// Status reports a live session.
func (s *Service) Status(sessionID string) (Status, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return Status{}, protocol.NewError(protocol.KindNotFound, protocol.CodeSessionNotFound,
			fmt.Sprintf("session %s not found", sessionID))
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Status{
		SessionID:  sess.id,
		TenantID:   sess.tenantID,
		StartedAt:  sess.startedAt,
		ChunksSent: sess.chunksSent,
		BytesSent:  sess.bytesSent,
	}, nil
}

// Active returns the number of live sessions.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ActiveForTenant counts the tenant's live sessions.
func (s *Service) ActiveForTenant(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.tenantID == tenantID {
			n++
		}
	}
	return n
}

// Stats summarizes lifetime activity.
func (s *Service) Stats() Stats {
	return Stats{
		ActiveSessions: s.Active(),
		MaxSessions:    s.cfg.MaxSessions,
		TotalSessions:  s.totalSessions.Load(),
		TotalChunks:    s.totalChunks.Load(),
	}
}

// Shutdown cancels every live session and waits for their goroutines.
func (s *Service) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context, sess *session, req Request, events chan<- Event) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		close(events)
	}()

	segments := segment.Split(req.Text, segment.DefaultSettings())

	emitter := &chunker{
		size: s.cfg.ChunkSize,
		emit: func(pcm []byte, final bool) error {
			return s.deliver(ctx, sess, events, pcm, final)
		},
	}

	var duration float64
	err := s.synthesize(ctx, sess, req, segments, emitter, &duration)
	if err == nil {
		err = emitter.flush()
	}

	if err != nil {
		// stopped sessions and service shutdown end without a terminal event
		if sess.stopped.Load() || s.ctx.Err() != nil {
			return
		}
		if s.errorCounter != nil {
			s.errorCounter.Add(context.Background(), 1)
		}
		s.log.Warn("streaming session failed",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()))
		s.publishDone(sess, false, err)
		s.sendTerminal(ctx, events, Event{Type: EventError, Err: err})
		return
	}

	sess.mu.Lock()
	chunks := sess.chunksSent
	sess.mu.Unlock()
	s.publishDone(sess, true, nil)
	s.sendTerminal(ctx, events, Event{Type: EventComplete, Chunks: chunks, Duration: duration})
}

func (s *Service) sendTerminal(ctx context.Context, events chan<- Event, evt Event) {
	select {
	case events <- evt:
	case <-ctx.Done():
	}
}

// synthesize walks the segments, feeding engine output and inter-segment
// silence into the chunker. A watchdog timer aborts the session when the
// engine produces nothing for the configured window.
func (s *Service) synthesize(ctx context.Context, sess *session, req Request, segments []segment.Segment, emitter *chunker, duration *float64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := time.Duration(s.cfg.EngineTimeoutMS) * time.Millisecond
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	for _, seg := range segments {
		if ctx.Err() != nil {
			break
		}
		if strings.TrimSpace(seg.Text) == "" {
			if seg.Settings.Pause > 0 {
				silence := make([]byte, s.silenceBytes(seg.Settings.Pause))
				*duration += seg.Settings.Pause
				if err := emitter.feed(silence); err != nil {
					return err
				}
			}
			continue
		}

		opts := req.Options
		opts.Speed = combine(opts.Speed, seg.Settings.Rate)
		opts.Pitch = combine(opts.Pitch, seg.Settings.Pitch)
		gain := seg.Settings.Volume

		err := s.eng.SynthesizeStream(ctx, seg.Text, opts, func(pcm []byte) error {
			watchdog.Reset(timeout)
			if gain != 1 && gain > 0 {
				pcm = applyGain(pcm, gain)
			}
			*duration += pcmSeconds(len(pcm), s.sampleRate, s.channels)
			return emitter.feed(pcm)
		})
		if err != nil {
			if timedOut.Load() {
				return protocol.NewError(protocol.KindEngine, protocol.CodeEngineTimeout,
					fmt.Sprintf("engine produced no audio for %s", timeout))
			}
			return err
		}

		if seg.Settings.Pause > 0 {
			silence := make([]byte, s.silenceBytes(seg.Settings.Pause))
			*duration += seg.Settings.Pause
			if err := emitter.feed(silence); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		if timedOut.Load() {
			return protocol.NewError(protocol.KindEngine, protocol.CodeEngineTimeout,
				fmt.Sprintf("engine produced no audio for %s", timeout))
		}
		return err
	}
	return nil
}

// deliver sends one chunk to the event channel and the bus, then paces.
// The channel send blocks when the consumer lags, which is the backpressure
// mechanism: a slow reader slows synthesis delivery rather than dropping
// audio.
func (s *Service) deliver(ctx context.Context, sess *session, events chan<- Event, pcm []byte, final bool) error {
	sess.mu.Lock()
	seq := sess.chunksSent
	sess.chunksSent++
	sess.bytesSent += int64(len(pcm))
	sess.mu.Unlock()
	s.totalChunks.Add(1)
	if s.chunkCounter != nil {
		s.chunkCounter.Add(context.Background(), 1)
	}
	if seq == 0 && s.latencyHist != nil {
		s.latencyHist.Record(context.Background(),
			float64(s.clock().Sub(sess.startedAt))/float64(time.Millisecond))
	}

	chunk := &protocol.AudioChunk{
		SessionID:  sess.id,
		Sequence:   seq,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		PCM:        pcm,
		Duration:   pcmSeconds(len(pcm), s.sampleRate, s.channels),
		Timestamp:  s.clock().UTC(),
		Final:      final,
	}

	select {
	case events <- Event{Type: EventChunk, Chunk: chunk}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.bus.PublishJSON(protocol.AudioSubject(sess.id), chunk); err != nil {
		s.log.Warn("failed to publish audio chunk", slog.String("error", err.Error()))
	}

	if !final && s.cfg.ChunkDelayMS > 0 {
		select {
		case <-time.After(time.Duration(s.cfg.ChunkDelayMS) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) publishDone(sess *session, completed bool, cause error) {
	status := protocol.StreamStatus{
		SessionID: sess.id,
		TenantID:  sess.tenantID,
		Completed: completed,
		Timestamp: s.clock().UTC(),
	}
	if cause != nil {
		status.Error = protocol.ErrorCode(cause)
	}
	if err := s.bus.PublishJSON(protocol.DoneSubject(sess.id), status); err != nil {
		s.log.Warn("failed to publish stream status", slog.String("error", err.Error()))
	}
}

func (s *Service) silenceBytes(seconds float64) int {
	n := int(seconds*float64(s.sampleRate)) * s.channels * 2
	if n < 0 {
		return 0
	}
	return n
}

func combine(base, scale float64) float64 {
	if base == 0 {
		base = 1
	}
	if scale == 0 {
		scale = 1
	}
	return base * scale
}

// applyGain scales 16-bit little-endian samples, clamping at full scale.
func applyGain(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm))
	// a trailing odd byte is not a full sample; carry it over unscaled
	copy(out, pcm)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		scaled := float64(sample) * gain
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		v := int16(scaled)
		out[i] = byte(uint16(v))
		out[i+1] = byte(uint16(v) >> 8)
	}
	return out
}

func pcmSeconds(n, sampleRate, channels int) float64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return float64(n/(2*channels)) / float64(sampleRate)
}

// chunker re-slices arbitrary PCM spans into fixed-size chunks. It holds one
// completed chunk back so the very last chunk, whatever its size, can be
// flagged final.
type chunker struct {
	size    int
	buf     []byte
	pending []byte
	emit    func(pcm []byte, final bool) error
}

func (c *chunker) feed(pcm []byte) error {
	c.buf = append(c.buf, pcm...)
	for len(c.buf) >= c.size {
		next := make([]byte, c.size)
		copy(next, c.buf[:c.size])
		c.buf = c.buf[c.size:]
		if c.pending != nil {
			if err := c.emit(c.pending, false); err != nil {
				return err
			}
		}
		c.pending = next
	}
	return nil
}

func (c *chunker) flush() error {
	if len(c.buf) > 0 {
		if c.pending != nil {
			if err := c.emit(c.pending, false); err != nil {
				return err
			}
			c.pending = nil
		}
		tail := c.buf
		c.buf = nil
		return c.emit(tail, true)
	}
	if c.pending != nil {
		p := c.pending
		c.pending = nil
		return c.emit(p, true)
	}
	return c.emit([]byte{}, true)
}
