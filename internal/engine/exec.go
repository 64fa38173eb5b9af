package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/protocol"
)

// execEngine spawns the configured worker command once per invocation and
// speaks JSON over stdin / NDJSON over stdout. A crashed worker costs only
// its own request; the next call simply spawns a fresh one.
type execEngine struct {
	cfg         config.EngineConfig
	cmd         []string
	timeout     time.Duration
	log         *slog.Logger
	mu          sync.Mutex // serializes worker access
	initMu      sync.Mutex
	initialized atomic.Bool
}

type workerRequest struct {
	Op         string  `json:"op"`
	Text       string  `json:"text,omitempty"`
	Voice      string  `json:"voice,omitempty"`
	Language   string  `json:"language,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	Pitch      float64 `json:"pitch,omitempty"`
	SpeakerWAV string  `json:"speaker_wav,omitempty"`
	RefBase64  string  `json:"ref_base64,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	ModelPath  string  `json:"model_path,omitempty"`
}

type workerResponse struct {
	PCMBase64       string         `json:"pcm_base64,omitempty"`
	EmbeddingBase64 string         `json:"embedding_base64,omitempty"`
	Device          string         `json:"device,omitempty"`
	Resources       map[string]any `json:"resources,omitempty"`
	Final           bool           `json:"final,omitempty"`
	Error           string         `json:"error,omitempty"`
}

func NewExecEngine(cfg config.EngineConfig, log *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &execEngine{
		cfg:     cfg,
		cmd:     args,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:     log.With(slog.String("component", "synth-engine")),
	}, nil
}

func (e *execEngine) Initialize(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.initialized.Load() {
		return nil
	}
	if e.cfg.ModelPath != "" {
		if _, err := os.Stat(e.cfg.ModelPath); err != nil {
			return protocol.WrapError(protocol.KindEngine, protocol.CodeEngineUnavailable,
				fmt.Sprintf("model assets not found at %s", e.cfg.ModelPath), err)
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.invoke(probeCtx, workerRequest{Op: "health"}, func(workerResponse) error { return nil }); err != nil {
		return protocol.WrapError(protocol.KindEngine, protocol.CodeEngineUnavailable,
			"synthesis worker failed to start", err)
	}

	e.initialized.Store(true)
	e.log.Info("synthesis engine initialized", slog.String("command", e.cmd[0]))
	return nil
}

func (e *execEngine) Synthesize(ctx context.Context, text string, opts Options) (Result, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var audio []byte
	err := e.invoke(ctx, e.synthRequest(text, opts), func(resp workerResponse) error {
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode worker pcm: %w", err)
		}
		audio = append(audio, pcm...)
		return nil
	})
	if err != nil {
		return Result{}, e.classify(ctx, err)
	}
	return Result{
		Audio:      audio,
		Duration:   pcmDuration(len(audio), e.cfg.SampleRate, e.cfg.Channels),
		SampleRate: e.cfg.SampleRate,
		Channels:   e.cfg.Channels,
	}, nil
}

func (e *execEngine) SynthesizeStream(ctx context.Context, text string, opts Options, sink Sink) error {
	if err := e.ensureInitialized(ctx); err != nil {
		return err
	}
	for _, batch := range wordBatches(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		batchCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := e.invoke(batchCtx, e.synthRequest(batch, opts), func(resp workerResponse) error {
			pcm, derr := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if derr != nil {
				return fmt.Errorf("decode worker pcm: %w", derr)
			}
			if len(pcm) == 0 {
				return nil
			}
			return sink(pcm)
		})
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return e.classify(batchCtx, err)
		}
	}
	return nil
}

func (e *execEngine) Embed(ctx context.Context, refAudio []byte) ([]byte, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var embedding []byte
	req := workerRequest{
		Op:         "embed",
		RefBase64:  base64.StdEncoding.EncodeToString(refAudio),
		SampleRate: e.cfg.SampleRate,
		Channels:   e.cfg.Channels,
		ModelPath:  e.cfg.ModelPath,
	}
	err := e.invoke(ctx, req, func(resp workerResponse) error {
		data, derr := base64.StdEncoding.DecodeString(resp.EmbeddingBase64)
		if derr != nil {
			return fmt.Errorf("decode worker embedding: %w", derr)
		}
		embedding = append(embedding, data...)
		return nil
	})
	if err != nil {
		return nil, e.classify(ctx, err)
	}
	if len(embedding) == 0 {
		return nil, protocol.NewError(protocol.KindEngine, protocol.CodeSynthesisFailed,
			"worker produced an empty embedding")
	}
	return embedding, nil
}

func (e *execEngine) Health(ctx context.Context) Health {
	h := Health{Initialized: e.initialized.Load(), Device: "unknown"}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := e.invoke(probeCtx, workerRequest{Op: "health"}, func(resp workerResponse) error {
		if resp.Device != "" {
			h.Device = resp.Device
		}
		h.Resources = resp.Resources
		return nil
	})
	if err != nil {
		e.log.Warn("engine health probe failed", slog.String("error", err.Error()))
	}
	return h
}

func (e *execEngine) ensureInitialized(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}
	return e.Initialize(ctx)
}

func (e *execEngine) synthRequest(text string, opts Options) workerRequest {
	return workerRequest{
		Op:         "synthesize",
		Text:       text,
		Voice:      opts.Voice,
		Language:   opts.Language,
		Speed:      opts.Speed,
		Pitch:      opts.Pitch,
		SpeakerWAV: opts.SpeakerWAV,
		SampleRate: e.cfg.SampleRate,
		Channels:   e.cfg.Channels,
		ModelPath:  e.cfg.ModelPath,
	}
}

// invoke runs one worker process end to end while holding the worker mutex.
func (e *execEngine) invoke(ctx context.Context, req workerRequest, onLine func(workerResponse) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Wait()
		return err
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp workerResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("decode worker output: %w", err)
		}
		if resp.Error != "" {
			_ = cmd.Wait()
			return fmt.Errorf("worker error: %s", resp.Error)
		}
		if err := onLine(resp); err != nil {
			_ = cmd.Wait()
			return err
		}
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("worker exited: %w", err)
	}
	return scanner.Err()
}

func (e *execEngine) classify(ctx context.Context, err error) error {
	var ge *protocol.Error
	if errors.As(err, &ge) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.WrapError(protocol.KindEngine, protocol.CodeEngineTimeout,
			"synthesis worker timed out", err)
	}
	return protocol.WrapError(protocol.KindEngine, protocol.CodeSynthesisFailed,
		"synthesis worker failed", err)
}

// wordBatches splits text into word-group sub-spans so long passages start
// producing audio before the whole text is rendered.
func wordBatches(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	size := (len(words) + 9) / 10
	if size < 3 {
		size = 3
	}
	var batches []string
	for i := 0; i < len(words); i += size {
		end := i + size
		if end > len(words) {
			end = len(words)
		}
		batches = append(batches, strings.Join(words[i:end], " "))
	}
	return batches
}
