package protocol

import (
	"fmt"
	"time"
)

// AudioChunk is one ordered slice of synthesized audio within a streaming
// session. Sequence numbers are gapless per session and exactly one chunk
// per session carries Final=true.
type AudioChunk struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	Duration   float64   `json:"duration_seconds"`
	Timestamp  time.Time `json:"timestamp"`
	Final      bool      `json:"final"`
}

// StreamStatus announces the terminal state of a streaming session on the bus.
type StreamStatus struct {
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	subjectAudioPrefix = "tts.audio"
	subjectDonePrefix  = "tts.done"
)

// AudioSubject returns the bus subject chunk events for a session publish on.
func AudioSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", subjectAudioPrefix, sessionID)
}

// DoneSubject returns the bus subject the terminal status publishes on.
func DoneSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", subjectDonePrefix, sessionID)
}
