package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8790 {
		t.Fatalf("expected default port 8790, got %d", cfg.HTTP.Port)
	}
	if cfg.Engine.Mode != "mock" {
		t.Fatalf("expected default engine mode mock, got %s", cfg.Engine.Mode)
	}
	if cfg.Streaming.MaxSessions != 50 {
		t.Fatalf("expected default session ceiling 50, got %d", cfg.Streaming.MaxSessions)
	}
	if cfg.Streaming.ChunkSize != 1024 {
		t.Fatalf("expected default chunk size 1024, got %d", cfg.Streaming.ChunkSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICEGATE_HTTP_PORT", "9000")
	t.Setenv("VOICEGATE_ENGINE_MODE", "exec")
	t.Setenv("VOICEGATE_ENGINE_COMMAND", "python3 worker.py")
	t.Setenv("VOICEGATE_ENGINE_SAMPLE_RATE", "16000")
	t.Setenv("VOICEGATE_STREAMING_MAX_SESSIONS", "8")
	t.Setenv("VOICEGATE_STREAMING_CHUNK_SIZE", "512")
	t.Setenv("VOICEGATE_STREAMING_CHUNK_DELAY_MS", "0")
	t.Setenv("VOICEGATE_VOICES_MAX_UPLOADS", "3")
	t.Setenv("VOICEGATE_STORE_PATH", "./tmp.db")
	t.Setenv("VOICEGATE_BUS_ENABLED", "true")
	t.Setenv("VOICEGATE_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "python3 worker.py" {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.SampleRate != 16000 {
		t.Fatalf("expected sample rate override, got %d", cfg.Engine.SampleRate)
	}
	if cfg.Streaming.MaxSessions != 8 {
		t.Fatalf("expected max sessions override, got %d", cfg.Streaming.MaxSessions)
	}
	if cfg.Streaming.ChunkSize != 512 {
		t.Fatalf("expected chunk size override, got %d", cfg.Streaming.ChunkSize)
	}
	if cfg.Streaming.ChunkDelayMS != 0 {
		t.Fatalf("expected chunk delay override, got %d", cfg.Streaming.ChunkDelayMS)
	}
	if cfg.Voices.MaxUploads != 3 {
		t.Fatalf("expected upload quota override, got %d", cfg.Voices.MaxUploads)
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override, got %s", cfg.Store.Path)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 bus servers, got %v", cfg.Bus.Servers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.Streaming.ChunkSize = 0 }},
		{"zero sessions", func(c *Config) { c.Streaming.MaxSessions = 0 }},
		{"exec without command", func(c *Config) { c.Engine.Mode = "exec"; c.Engine.Command = "" }},
		{"unknown engine mode", func(c *Config) { c.Engine.Mode = "cloud" }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"auth without tenants", func(c *Config) { c.Tenants.RequireAuth = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
