package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"

	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/engine"
	"github.com/voicegate/voicegate/internal/store"
	"github.com/voicegate/voicegate/internal/stream"
	"github.com/voicegate/voicegate/internal/tenant"
	"github.com/voicegate/voicegate/internal/voice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *engine.Mock) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "voicegate.db")
	cfg.Voices.Dir = filepath.Join(dir, "voices")
	cfg.Voices.EmbeddingsDir = filepath.Join(dir, "embeddings")
	cfg.Streaming.ChunkDelayMS = 0
	if mutate != nil {
		mutate(&cfg)
	}

	log := testLogger()
	st, err := store.Open(context.Background(), cfg.Store, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mock := engine.NewMock(cfg.Engine.SampleRate, cfg.Engine.Channels)
	blobs, err := voice.NewDirStore(cfg.Voices.Dir, cfg.Voices.EmbeddingsDir)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	voices := voice.NewManager(st, blobs, mock, log)
	streams := stream.NewService(cfg.Streaming, cfg.Engine, mock, nil, log)
	t.Cleanup(streams.Shutdown)
	resolver := tenant.NewStaticResolver(cfg.Tenants)

	return NewServer(cfg, mock, voices, streams, resolver, st, log), mock
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %q", w.Body.String())
	}
	code, _ := e["code"].(string)
	return code
}

func TestSynthesizeHelloWorld(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/synthesize", map[string]any{"text": "Hello world"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	if w.Body.Len() != 512 {
		t.Errorf("audio bytes = %d, want 512", w.Body.Len())
	}
	dur, err := strconv.ParseFloat(w.Header().Get("X-Audio-Duration"), 64)
	if err != nil || dur <= 0 {
		t.Errorf("X-Audio-Duration = %q, want > 0", w.Header().Get("X-Audio-Duration"))
	}
	if w.Header().Get("X-Voice-Used") != "en-US-generic" {
		t.Errorf("X-Voice-Used = %q", w.Header().Get("X-Voice-Used"))
	}
	if w.Header().Get("X-Language-Used") != "en" {
		t.Errorf("X-Language-Used = %q", w.Header().Get("X-Language-Used"))
	}
	if w.Header().Get("X-Latency-Ms") == "" {
		t.Error("missing X-Latency-Ms")
	}
}

func TestSynthesizeBase64Format(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/synthesize", map[string]any{
		"text":   "Hello world",
		"format": "base64",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	audio, err := base64.StdEncoding.DecodeString(body["audio_base64"].(string))
	if err != nil || len(audio) != 512 {
		t.Errorf("audio_base64 decoded to %d bytes (err %v), want 512", len(audio), err)
	}
	if d, _ := body["duration_seconds"].(float64); d <= 0 {
		t.Errorf("duration_seconds = %v", body["duration_seconds"])
	}
}

func TestSynthesizeInputErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"missing text", map[string]any{}, http.StatusBadRequest, "MISSING_INPUT"},
		{"blank text", map[string]any{"text": "   "}, http.StatusBadRequest, "MISSING_INPUT"},
		{"too long", map[string]any{"text": strings.Repeat("a", maxTextChars+1)}, http.StatusBadRequest, "TEXT_TOO_LONG"},
		{"bad speed", map[string]any{"text": "hi", "speed": 9.0}, http.StatusBadRequest, "INVALID_OPTIONS"},
		{"unknown voice", map[string]any{"text": "hi", "voice": "nope"}, http.StatusNotFound, "VOICE_NOT_FOUND"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodPost, "/v1/synthesize", tc.body)
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.wantCode, w.Body.String())
			}
			if code := errorCode(t, w); code != tc.wantErr {
				t.Errorf("code = %s, want %s", code, tc.wantErr)
			}
		})
	}
}

func TestStreamBytesSumToTotal(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	words := strings.Fields(strings.Repeat("streaming audio gateway test words ", 10))
	if len(words) != 50 {
		t.Fatalf("passage = %d words", len(words))
	}
	body, _ := json.Marshal(map[string]any{"text": strings.Join(words, " ")})

	resp, err := http.Post(ts.URL+"/v1/synthesize/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Session-ID") == "" {
		t.Error("missing X-Session-ID")
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	// 50 words at 256 bytes per word
	if len(audio) != 50*256 {
		t.Errorf("streamed bytes = %d, want %d", len(audio), 50*256)
	}
	if resp.Trailer.Get("X-Stream-Error") != "" {
		t.Errorf("unexpected error trailer %q", resp.Trailer.Get("X-Stream-Error"))
	}
}

func TestStreamEngineFailureBeforeAudio(t *testing.T) {
	srv, mock := newTestServer(t, nil)
	mock.FailWith = io.ErrUnexpectedEOF

	w := doJSON(t, srv, http.MethodPost, "/v1/synthesize/stream", map[string]any{"text": "doomed"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "SYNTHESIS_FAILED" {
		t.Errorf("code = %s", code)
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := doJSON(t, srv, http.MethodDelete, "/v1/sessions/no-such-session", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["success"] != true {
		t.Errorf("body = %v", body)
	}

	if w := doJSON(t, srv, http.MethodGet, "/v1/sessions/no-such-session", nil); w.Code != http.StatusNotFound {
		t.Errorf("status status = %d, want 404", w.Code)
	}
}

func wavClip(t *testing.T, seconds float64, sampleRate, amplitude int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	frames := int(seconds * float64(sampleRate))
	data := make([]int, frames)
	for i := range data {
		data[i] = int(float64(amplitude) * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	f.Close()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return raw
}

func uploadVoice(t *testing.T, srv *Server, name string, clip []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := mw.CreateFormFile("audio", name+".wav")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(clip); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/voices", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestVoiceUploadTooShortCreatesNothing(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := uploadVoice(t, srv, "shorty", wavClip(t, 2, 22050, 6000))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != false {
		t.Errorf("success = %v", body["success"])
	}
	if code := errorCode(t, w); code != "TOO_SHORT" {
		t.Errorf("code = %s", code)
	}

	list := doJSON(t, srv, http.MethodGet, "/v1/voices", nil)
	if got := decodeBody(t, list)["count"].(float64); got != 0 {
		t.Errorf("voices after rejected upload = %v", got)
	}
}

func TestVoiceLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := uploadVoice(t, srv, "narrator", wavClip(t, 4, 22050, 6000))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	voiceID := created["voice_id"].(string)
	if score := created["quality_score"].(float64); score != 100 {
		t.Errorf("quality_score = %v", score)
	}

	list := doJSON(t, srv, http.MethodGet, "/v1/voices", nil)
	if got := decodeBody(t, list)["count"].(float64); got != 1 {
		t.Fatalf("count = %v", got)
	}

	patch := doJSON(t, srv, http.MethodPatch, "/v1/voices/"+voiceID, map[string]any{"name": "renamed"})
	if patch.Code != http.StatusOK {
		t.Fatalf("patch status = %d body %s", patch.Code, patch.Body.String())
	}
	if decodeBody(t, patch)["name"] != "renamed" {
		t.Errorf("patched body = %s", patch.Body.String())
	}

	// the cloned voice is now synthesizable by id
	synth := doJSON(t, srv, http.MethodPost, "/v1/synthesize", map[string]any{"text": "hi there", "voice": voiceID})
	if synth.Code != http.StatusOK {
		t.Fatalf("synth with cloned voice = %d body %s", synth.Code, synth.Body.String())
	}
	if synth.Header().Get("X-Voice-Used") != "renamed" {
		t.Errorf("X-Voice-Used = %q", synth.Header().Get("X-Voice-Used"))
	}

	del := doJSON(t, srv, http.MethodDelete, "/v1/voices/"+voiceID, nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", del.Code)
	}
	if w := doJSON(t, srv, http.MethodGet, "/v1/voices/"+voiceID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Tenants.RequireAuth = true
		cfg.Tenants.Entries = []config.TenantEntry{{
			ID:     "acme",
			Name:   "Acme",
			APIKey: "sk-acme",
			Features: config.TenantFeatures{
				Streaming: true, SSML: true, VoiceCloning: true,
			},
		}}
	})

	w := doJSON(t, srv, http.MethodPost, "/v1/synthesize", map[string]any{"text": "hi"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Authorization", "Bearer sk-acme")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer key status = %d body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/synthesize", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("X-Api-Key", "sk-wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", rec.Code)
	}
}

func TestFeatureGates(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Tenants.RequireAuth = true
		cfg.Tenants.Entries = []config.TenantEntry{{
			ID:     "limited",
			APIKey: "sk-limited",
		}}
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize/stream", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("X-Api-Key", "sk-limited")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stream without feature = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "FEATURE_DISABLED" {
		t.Errorf("code = %s", code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := doJSON(t, srv, http.MethodGet, "/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	eng := body["engine"].(map[string]any)
	if eng["initialized"] != true {
		t.Errorf("engine health = %v", eng)
	}
	if _, ok := body["streams"].(map[string]any); !ok {
		t.Errorf("missing streams stats in %s", w.Body.String())
	}
}

func TestSSMLCheck(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/ssml/check", map[string]any{
		"text": `<speak>hello <break time="1s"/> world</speak>`,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["valid"] != true {
		t.Errorf("valid = %v", body["valid"])
	}
	if segs := body["segments"].(float64); segs < 2 {
		t.Errorf("segments = %v", segs)
	}
	if d := body["estimated_duration"].(float64); d <= 1 {
		t.Errorf("estimated_duration = %v, want > 1s from the break alone", d)
	}
}

func TestUsageLogRecordsRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	if w := doJSON(t, srv, http.MethodPost, "/v1/synthesize", map[string]any{"text": "Hello world"}); w.Code != http.StatusOK {
		t.Fatalf("synthesize = %d", w.Code)
	}

	w := doJSON(t, srv, http.MethodGet, "/v1/usage", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("usage = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v body %s", body["count"], w.Body.String())
	}
	events := body["events"].([]any)
	first := events[0].(map[string]any)
	if first["Status"] != "ok" || first["TextChars"].(float64) != 11 {
		t.Errorf("event = %v", first)
	}
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/synthesize/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketStreamsSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(map[string]any{"text": "one two three"}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var started wsControl
	if err := conn.ReadJSON(&started); err != nil {
		t.Fatalf("read started frame: %v", err)
	}
	if started.Type != "started" || started.SessionID == "" {
		t.Fatalf("unexpected first frame %+v", started)
	}

	var pcmBytes int
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind == websocket.BinaryMessage {
			pcmBytes += len(data)
			continue
		}
		var ctl wsControl
		if err := json.Unmarshal(data, &ctl); err != nil {
			t.Fatalf("decode control frame %q: %v", data, err)
		}
		if ctl.Type != "complete" {
			t.Fatalf("unexpected control frame %+v", ctl)
		}
		break
	}
	if pcmBytes != 768 {
		t.Errorf("audio bytes = %d, want 768", pcmBytes)
	}
}

func TestWebSocketValidatesRequest(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	cases := []struct {
		name string
		req  map[string]any
		code string
	}{
		{"oversized text", map[string]any{"text": strings.Repeat("a", maxTextChars+1)}, "TEXT_TOO_LONG"},
		{"speed out of range", map[string]any{"text": "hi", "speed": 9.0}, "INVALID_OPTIONS"},
		{"missing text", map[string]any{"voice": "en-US-generic"}, "MISSING_INPUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dialWS(t, srv)
			if err := conn.WriteJSON(tc.req); err != nil {
				t.Fatalf("write request: %v", err)
			}
			var ctl wsControl
			if err := conn.ReadJSON(&ctl); err != nil {
				t.Fatalf("read control frame: %v", err)
			}
			if ctl.Type != "error" || ctl.Code != tc.code {
				t.Fatalf("expected %s error frame, got %+v", tc.code, ctl)
			}
		})
	}
}
