// Package runtime assembles the gateway: telemetry, bus, store, engine,
// services, and the HTTP servers, with ordered startup and shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicegate/voicegate/internal/bus"
	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/engine"
	"github.com/voicegate/voicegate/internal/httpapi"
	"github.com/voicegate/voicegate/internal/store"
	"github.com/voicegate/voicegate/internal/stream"
	"github.com/voicegate/voicegate/internal/tenant"
	"github.com/voicegate/voicegate/internal/voice"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	promServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the gateway up and blocks until ctx is cancelled, then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var (
		embedded  *bus.EmbeddedServer
		busClient *bus.Client
	)
	if r.cfg.Bus.Enabled {
		embedded, err = bus.StartEmbedded(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		busClient, err = bus.Connect(r.cfg.Bus, r.logger)
		if err != nil {
			embedded.Shutdown()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
	}

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to open store: %w", err)
	}

	eng, err := engine.New(r.cfg.Engine, r.logger)
	if err != nil {
		st.Close()
		busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to build engine: %w", err)
	}
	if r.cfg.Engine.WarmOnStart {
		if err := eng.Initialize(ctx); err != nil {
			r.logger.Warn("engine warm-up failed, continuing with lazy init",
				slog.String("error", err.Error()))
		}
	}

	blobs, err := voice.NewDirStore(r.cfg.Voices.Dir, r.cfg.Voices.EmbeddingsDir)
	if err != nil {
		st.Close()
		busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to prepare voice storage: %w", err)
	}
	voices := voice.NewManager(st, blobs, eng, r.logger)
	streams := stream.NewService(r.cfg.Streaming, r.cfg.Engine, eng, busClient, r.logger)
	resolver := tenant.NewStaticResolver(r.cfg.Tenants)

	api := httpapi.NewServer(r.cfg, eng, voices, streams, resolver, st, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.Handle("/", api)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.promServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("gateway started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.Bool("bus", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("gateway stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	streams.Shutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.promServer != nil {
		if err := r.promServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if err := st.Close(); err != nil {
		r.logger.Error("store close error", slog.String("error", err.Error()))
	}
	busClient.Close()
	embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
