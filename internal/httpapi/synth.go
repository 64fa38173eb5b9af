package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/voicegate/voicegate/internal/engine"
	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/segment"
	"github.com/voicegate/voicegate/internal/store"
	"github.com/voicegate/voicegate/internal/stream"
	"github.com/voicegate/voicegate/internal/tenant"
)

type synthRequest struct {
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`
	Language  string  `json:"language"`
	Speed     float64 `json:"speed"`
	Pitch     float64 `json:"pitch"`
	Format    string  `json:"format"` // "raw" (default) or "base64"
	SessionID string  `json:"session_id"`
}

func (s *Server) decodeSynthRequest(r *http.Request) (synthRequest, error) {
	var req synthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, protocol.NewError(protocol.KindInput, protocol.CodeInvalidOptions,
			"request body is not valid JSON")
	}
	if err := validateSynthRequest(&req); err != nil {
		return req, err
	}
	return req, nil
}

// validateSynthRequest applies the input limits and defaults shared by the
// HTTP and WebSocket entry points.
func validateSynthRequest(req *synthRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return protocol.NewError(protocol.KindInput, protocol.CodeMissingInput,
			"text is required")
	}
	if len(req.Text) > maxTextChars {
		return protocol.NewError(protocol.KindInput, protocol.CodeTextTooLong,
			fmt.Sprintf("text is %d characters; the limit is %d", len(req.Text), maxTextChars))
	}
	if req.Speed < 0 || req.Speed > 4 || req.Pitch < 0 || req.Pitch > 4 {
		return protocol.NewError(protocol.KindInput, protocol.CodeInvalidOptions,
			"speed and pitch must be between 0 and 4")
	}
	if req.Language == "" {
		req.Language = "en"
	}
	return nil
}

// resolveVoice maps a requested voice onto engine options: built-in voices
// pass through by name, cloned voices attach their reference clip.
func (s *Server) resolveVoice(ctx context.Context, tn tenant.Tenant, req synthRequest) (engine.Options, string, error) {
	opts := engine.Options{
		Language: req.Language,
		Speed:    req.Speed,
		Pitch:    req.Pitch,
	}

	name := req.Voice
	if name == "" {
		name = s.cfg.Engine.DefaultVoice
	}
	if name == s.cfg.Engine.DefaultVoice || slices.Contains(s.cfg.Engine.BuiltinVoices, name) {
		opts.Voice = name
		return opts, name, nil
	}

	profile, err := s.voices.Get(ctx, tn.ID, name)
	if err != nil {
		return opts, "", err
	}
	opts.Voice = profile.Name
	opts.SpeakerWAV = profile.AudioPath
	if req.Language == "en" && profile.Language != "" {
		opts.Language = profile.Language
	}
	return opts, profile.Name, nil
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	started := s.clock()

	req, err := s.decodeSynthRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts, voiceUsed, err := s.resolveVoice(r.Context(), tn, req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	audio, duration, err := s.renderAll(r.Context(), req.Text, opts)
	latency := s.clock().Sub(started)
	s.logUsage(tn.ID, "", voiceUsed, opts.Language, len(req.Text), duration, latency, err)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if req.Format == "base64" {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":          true,
			"audio_base64":     base64.StdEncoding.EncodeToString(audio),
			"duration_seconds": duration,
			"voice_used":       voiceUsed,
			"language_used":    opts.Language,
			"latency_ms":       latency.Milliseconds(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Audio-Duration", strconv.FormatFloat(duration, 'f', 3, 64))
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(latency.Milliseconds(), 10))
	w.Header().Set("X-Voice-Used", voiceUsed)
	w.Header().Set("X-Language-Used", opts.Language)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

// renderAll synthesizes every segment in order, inserting silence for pauses.
func (s *Server) renderAll(ctx context.Context, text string, opts engine.Options) ([]byte, float64, error) {
	var (
		audio    []byte
		duration float64
	)
	for _, seg := range segment.Split(text, segment.DefaultSettings()) {
		if strings.TrimSpace(seg.Text) != "" {
			segOpts := opts
			if seg.Settings.Rate != 1 {
				segOpts.Speed = combineScale(opts.Speed, seg.Settings.Rate)
			}
			if seg.Settings.Pitch != 1 {
				segOpts.Pitch = combineScale(opts.Pitch, seg.Settings.Pitch)
			}
			res, err := s.eng.Synthesize(ctx, seg.Text, segOpts)
			if err != nil {
				return nil, 0, err
			}
			audio = append(audio, res.Audio...)
			duration += res.Duration
		}
		if seg.Settings.Pause > 0 {
			n := int(seg.Settings.Pause*float64(s.cfg.Engine.SampleRate)) * s.cfg.Engine.Channels * 2
			audio = append(audio, make([]byte, n)...)
			duration += seg.Settings.Pause
		}
	}
	return audio, duration, nil
}

func combineScale(base, scale float64) float64 {
	if base == 0 {
		base = 1
	}
	return base * scale
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	started := s.clock()

	req, err := s.decodeSynthRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !tn.Allows("streaming") {
		s.writeError(w, protocol.NewError(protocol.KindInput, protocol.CodeFeatureDisabled,
			"streaming is not enabled for this tenant"))
		return
	}
	if tn.MaxStreams > 0 && s.streams.ActiveForTenant(tn.ID) >= tn.MaxStreams {
		s.writeError(w, protocol.NewError(protocol.KindCapacity, protocol.CodeCapacityExceeded,
			fmt.Sprintf("tenant limit of %d concurrent streams reached", tn.MaxStreams)))
		return
	}
	opts, voiceUsed, err := s.resolveVoice(r.Context(), tn, req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	id, events, err := s.streams.Start(stream.Request{
		SessionID: req.SessionID,
		TenantID:  tn.ID,
		Text:      req.Text,
		Options:   opts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Session-ID", id)
	w.Header().Set("Trailer", "X-Stream-Error")

	var (
		wrote     bool
		duration  float64
		streamErr error
	)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				s.logUsage(tn.ID, id, voiceUsed, opts.Language, len(req.Text), duration, s.clock().Sub(started), streamErr)
				return
			}
			switch evt.Type {
			case stream.EventChunk:
				if !wrote {
					w.Header().Set("X-First-Chunk-Latency-Ms",
						strconv.FormatInt(s.clock().Sub(started).Milliseconds(), 10))
					wrote = true
				}
				duration += evt.Chunk.Duration
				if _, err := w.Write(evt.Chunk.PCM); err != nil {
					s.streams.Stop(id)
					streamErr = err
					continue
				}
				if flusher != nil {
					flusher.Flush()
				}
			case stream.EventComplete:
				// channel closes next
			case stream.EventError:
				streamErr = evt.Err
				if !wrote {
					// nothing sent yet, a structured error response is
					// still possible
					s.writeError(w, evt.Err)
					wrote = true
					continue
				}
				w.Header().Set("X-Stream-Error", protocol.ErrorCode(evt.Err))
			}
		case <-r.Context().Done():
			s.streams.Stop(id)
			// drain until the session goroutine closes the channel
			for range events {
			}
			s.logUsage(tn.ID, id, voiceUsed, opts.Language, len(req.Text), duration, s.clock().Sub(started), r.Context().Err())
			return
		}
	}
}

func (s *Server) logUsage(tenantID, sessionID, voiceUsed, language string, chars int, duration float64, latency time.Duration, cause error) {
	evt := store.SynthesisEvent{
		TenantID:  tenantID,
		SessionID: sessionID,
		Voice:     voiceUsed,
		Language:  language,
		TextChars: chars,
		AudioMS:   duration * 1000,
		LatencyMS: latency.Milliseconds(),
		Status:    "ok",
	}
	if cause != nil {
		evt.Status = "error"
		evt.ErrorCode = protocol.ErrorCode(cause)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.usage.AppendSynthesisEvent(ctx, evt); err != nil {
		s.log.Warn("failed to record usage event", slog.String("error", err.Error()))
	}
}
