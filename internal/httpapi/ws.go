package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/stream"
	"github.com/voicegate/voicegate/internal/tenant"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsControl struct {
	Type      string  `json:"type"` // "started", "complete", "error"
	SessionID string  `json:"session_id,omitempty"`
	Chunks    int     `json:"chunks,omitempty"`
	Duration  float64 `json:"duration_seconds,omitempty"`
	Code      string  `json:"code,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// handleWebSocket streams a session over a WebSocket: the client sends one
// JSON synthesis request, audio chunks arrive as binary messages, and a JSON
// control frame terminates the exchange.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, tn tenant.Tenant) {
	if !tn.Allows("streaming") {
		s.writeError(w, protocol.NewError(protocol.KindInput, protocol.CodeFeatureDisabled,
			"streaming is not enabled for this tenant"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	var req synthRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(wsControl{Type: "error", Code: protocol.CodeInvalidOptions,
			Message: "first message must be a JSON synthesis request"})
		return
	}
	if err := validateSynthRequest(&req); err != nil {
		s.writeWSError(conn, err)
		return
	}

	opts, _, err := s.resolveVoice(r.Context(), tn, req)
	if err != nil {
		s.writeWSError(conn, err)
		return
	}

	id, events, err := s.streams.Start(stream.Request{
		SessionID: req.SessionID,
		TenantID:  tn.ID,
		Text:      req.Text,
		Options:   opts,
	})
	if err != nil {
		s.writeWSError(conn, err)
		return
	}
	if err := conn.WriteJSON(wsControl{Type: "started", SessionID: id}); err != nil {
		s.streams.Stop(id)
		return
	}

	// reader goroutine notices client close and cancels the session
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.streams.Stop(id)
				return
			}
		}
	}()

	for evt := range events {
		switch evt.Type {
		case stream.EventChunk:
			if err := conn.WriteMessage(websocket.BinaryMessage, evt.Chunk.PCM); err != nil {
				s.streams.Stop(id)
				for range events {
				}
				return
			}
		case stream.EventComplete:
			_ = conn.WriteJSON(wsControl{Type: "complete", SessionID: id,
				Chunks: evt.Chunks, Duration: evt.Duration})
		case stream.EventError:
			s.writeWSError(conn, evt.Err)
		}
	}
}

func (s *Server) writeWSError(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(wsControl{
		Type:    "error",
		Code:    protocol.ErrorCode(err),
		Message: protocol.ErrorMessage(err),
	})
}
