// Package httpapi exposes the gateway's HTTP and WebSocket surface and maps
// the internal error taxonomy onto status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/engine"
	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/segment"
	"github.com/voicegate/voicegate/internal/store"
	"github.com/voicegate/voicegate/internal/stream"
	"github.com/voicegate/voicegate/internal/tenant"
	"github.com/voicegate/voicegate/internal/voice"
)

// maxTextChars bounds a single synthesis request.
const maxTextChars = 5000

// UsageLog records completed requests; satisfied by the store.
type UsageLog interface {
	AppendSynthesisEvent(ctx context.Context, evt store.SynthesisEvent) error
	RecentEvents(ctx context.Context, tenantID string, limit int) ([]store.SynthesisEvent, error)
}

type Server struct {
	cfg      config.Config
	eng      engine.Engine
	voices   *voice.Manager
	streams  *stream.Service
	resolver tenant.Resolver
	usage    UsageLog
	log      *slog.Logger
	mux      *http.ServeMux
	clock    func() time.Time
}

func NewServer(cfg config.Config, eng engine.Engine, voices *voice.Manager, streams *stream.Service, resolver tenant.Resolver, usage UsageLog, log *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		eng:      eng,
		voices:   voices,
		streams:  streams,
		resolver: resolver,
		usage:    usage,
		log:      log.With(slog.String("component", "httpapi")),
		mux:      http.NewServeMux(),
		clock:    time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)

	s.mux.HandleFunc("POST /v1/synthesize", s.withTenant(s.handleSynthesize))
	s.mux.HandleFunc("POST /v1/synthesize/stream", s.withTenant(s.handleStream))
	s.mux.HandleFunc("GET /v1/synthesize/ws", s.withTenant(s.handleWebSocket))

	s.mux.HandleFunc("GET /v1/sessions/{id}", s.withTenant(s.handleSessionStatus))
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.withTenant(s.handleSessionStop))

	s.mux.HandleFunc("POST /v1/voices", s.withTenant(s.handleVoiceUpload))
	s.mux.HandleFunc("GET /v1/voices", s.withTenant(s.handleVoiceList))
	s.mux.HandleFunc("GET /v1/voices/{id}", s.withTenant(s.handleVoiceGet))
	s.mux.HandleFunc("PATCH /v1/voices/{id}", s.withTenant(s.handleVoiceUpdate))
	s.mux.HandleFunc("DELETE /v1/voices/{id}", s.withTenant(s.handleVoiceDelete))

	s.mux.HandleFunc("POST /v1/ssml/check", s.withTenant(s.handleSSMLCheck))
	s.mux.HandleFunc("GET /v1/usage", s.withTenant(s.handleUsage))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// apiKey pulls the credential from Authorization: Bearer or X-Api-Key.
func apiKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}

func (s *Server) withTenant(next func(http.ResponseWriter, *http.Request, tenant.Tenant)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tn, err := s.resolver.Resolve(apiKey(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r, tn)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"engine":  s.eng.Health(r.Context()),
		"streams": s.streams.Stats(),
	})
}

func (s *Server) handleSSMLCheck(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, protocol.NewError(protocol.KindInput, protocol.CodeInvalidOptions,
			"request body is not valid JSON"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, protocol.NewError(protocol.KindInput, protocol.CodeMissingInput,
			"text is required"))
		return
	}
	if !tn.Allows("ssml") {
		s.writeError(w, protocol.NewError(protocol.KindInput, protocol.CodeFeatureDisabled,
			"ssml is not enabled for this tenant"))
		return
	}

	segments := segment.Split(req.Text, segment.DefaultSettings())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"valid":              true,
		"segments":           len(segments),
		"plain_text":         segment.PlainText(segments),
		"estimated_duration": segment.EstimateDuration(segments, 150),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	events, err := s.usage.RecentEvents(r.Context(), tn.ID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, httpStatus(err), map[string]any{
		"success": false,
		"error": map[string]string{
			"kind":    string(protocol.ErrorKind(err)),
			"code":    protocol.ErrorCode(err),
			"message": protocol.ErrorMessage(err),
		},
	})
}

func httpStatus(err error) int {
	switch protocol.ErrorCode(err) {
	case protocol.CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case protocol.CodeFeatureDisabled:
		return http.StatusForbidden
	case protocol.CodeEngineTimeout:
		return http.StatusGatewayTimeout
	case protocol.CodeEngineUnavailable:
		return http.StatusServiceUnavailable
	}
	switch protocol.ErrorKind(err) {
	case protocol.KindInput, protocol.KindValidation:
		return http.StatusBadRequest
	case protocol.KindCapacity:
		return http.StatusTooManyRequests
	case protocol.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
