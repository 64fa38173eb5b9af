package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type EngineConfig struct {
	Mode          string   `yaml:"mode"` // mock, exec
	Command       string   `yaml:"command"`
	ModelPath     string   `yaml:"model_path"`
	SampleRate    int      `yaml:"sample_rate"`
	Channels      int      `yaml:"channels"`
	TimeoutMS     int      `yaml:"timeout_ms"`
	WarmOnStart   bool     `yaml:"warm_on_start"`
	DefaultVoice  string   `yaml:"default_voice"`
	BuiltinVoices []string `yaml:"builtin_voices"`
}

type StreamingConfig struct {
	MaxSessions     int `yaml:"max_sessions"`
	ChunkSize       int `yaml:"chunk_size"`
	ChunkDelayMS    int `yaml:"chunk_delay_ms"`
	EngineTimeoutMS int `yaml:"engine_timeout_ms"`
	EventBuffer     int `yaml:"event_buffer"`
}

type VoicesConfig struct {
	Dir           string `yaml:"dir"`
	EmbeddingsDir string `yaml:"embeddings_dir"`
	MaxUploads    int    `yaml:"max_uploads"`
}

type TenantFeatures struct {
	Streaming    bool `yaml:"streaming"`
	SSML         bool `yaml:"ssml"`
	VoiceCloning bool `yaml:"voice_cloning"`
}

type TenantEntry struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	APIKey          string         `yaml:"api_key"`
	MaxVoiceUploads int            `yaml:"max_voice_uploads"`
	MaxStreams      int            `yaml:"max_streams"`
	Features        TenantFeatures `yaml:"features"`
}

type TenantsConfig struct {
	RequireAuth   bool          `yaml:"require_auth"`
	DefaultTenant string        `yaml:"default_tenant"`
	Entries       []TenantEntry `yaml:"entries"`
}

type Config struct {
	GatewayName string          `yaml:"gateway_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Engine      EngineConfig    `yaml:"engine"`
	Streaming   StreamingConfig `yaml:"streaming"`
	Voices      VoicesConfig    `yaml:"voices"`
	Tenants     TenantsConfig   `yaml:"tenants"`
}

func Default() Config {
	return Config{
		GatewayName: "voicegate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8790,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/voicegate.db",
			RetentionDays: 30,
			MaxEvents:     100000,
		},
		Engine: EngineConfig{
			Mode:          "mock",
			SampleRate:    22050,
			Channels:      1,
			TimeoutMS:     45000,
			DefaultVoice:  "en-US-generic",
			BuiltinVoices: []string{"en-US-generic"},
		},
		Streaming: StreamingConfig{
			MaxSessions:     50,
			ChunkSize:       1024,
			ChunkDelayMS:    50,
			EngineTimeoutMS: 30000,
			EventBuffer:     32,
		},
		Voices: VoicesConfig{
			Dir:           "./data/voices",
			EmbeddingsDir: "./data/embeddings",
			MaxUploads:    10,
		},
		Tenants: TenantsConfig{
			RequireAuth:   false,
			DefaultTenant: "default",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.GatewayName, "VOICEGATE_NAME")
	overrideString(&cfg.Environment, "VOICEGATE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEGATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEGATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEGATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEGATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEGATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEGATE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOICEGATE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICEGATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEGATE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEGATE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEGATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEGATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEGATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEGATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEGATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEGATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "VOICEGATE_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "VOICEGATE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxEvents, "VOICEGATE_STORE_MAX_EVENTS")
	overrideBool(&cfg.Store.VacuumOnStart, "VOICEGATE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "VOICEGATE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "VOICEGATE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelPath, "VOICEGATE_ENGINE_MODEL_PATH")
	overrideInt(&cfg.Engine.SampleRate, "VOICEGATE_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "VOICEGATE_ENGINE_CHANNELS")
	overrideInt(&cfg.Engine.TimeoutMS, "VOICEGATE_ENGINE_TIMEOUT_MS")
	overrideBool(&cfg.Engine.WarmOnStart, "VOICEGATE_ENGINE_WARM_ON_START")
	overrideString(&cfg.Engine.DefaultVoice, "VOICEGATE_ENGINE_DEFAULT_VOICE")
	overrideStringSlice(&cfg.Engine.BuiltinVoices, "VOICEGATE_ENGINE_BUILTIN_VOICES")
	overrideInt(&cfg.Streaming.MaxSessions, "VOICEGATE_STREAMING_MAX_SESSIONS")
	overrideInt(&cfg.Streaming.ChunkSize, "VOICEGATE_STREAMING_CHUNK_SIZE")
	overrideInt(&cfg.Streaming.ChunkDelayMS, "VOICEGATE_STREAMING_CHUNK_DELAY_MS")
	overrideInt(&cfg.Streaming.EngineTimeoutMS, "VOICEGATE_STREAMING_ENGINE_TIMEOUT_MS")
	overrideInt(&cfg.Streaming.EventBuffer, "VOICEGATE_STREAMING_EVENT_BUFFER")
	overrideString(&cfg.Voices.Dir, "VOICEGATE_VOICES_DIR")
	overrideString(&cfg.Voices.EmbeddingsDir, "VOICEGATE_VOICES_EMBEDDINGS_DIR")
	overrideInt(&cfg.Voices.MaxUploads, "VOICEGATE_VOICES_MAX_UPLOADS")
	overrideBool(&cfg.Tenants.RequireAuth, "VOICEGATE_TENANTS_REQUIRE_AUTH")
	overrideString(&cfg.Tenants.DefaultTenant, "VOICEGATE_TENANTS_DEFAULT_TENANT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.GatewayName == "" {
		return errors.New("gateway_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	if cfg.Engine.TimeoutMS <= 0 {
		return errors.New("engine.timeout_ms must be positive")
	}
	if cfg.Streaming.MaxSessions <= 0 {
		return errors.New("streaming.max_sessions must be >= 1")
	}
	if cfg.Streaming.ChunkSize <= 0 {
		return errors.New("streaming.chunk_size must be positive")
	}
	if cfg.Streaming.ChunkDelayMS < 0 {
		return errors.New("streaming.chunk_delay_ms must be >= 0")
	}
	if cfg.Streaming.EngineTimeoutMS <= 0 {
		return errors.New("streaming.engine_timeout_ms must be positive")
	}
	if cfg.Streaming.EventBuffer <= 0 {
		return errors.New("streaming.event_buffer must be >= 1")
	}
	if cfg.Voices.Dir == "" {
		return errors.New("voices.dir must not be empty")
	}
	if cfg.Voices.EmbeddingsDir == "" {
		return errors.New("voices.embeddings_dir must not be empty")
	}
	if cfg.Voices.MaxUploads <= 0 {
		return errors.New("voices.max_uploads must be >= 1")
	}
	if cfg.Tenants.RequireAuth && len(cfg.Tenants.Entries) == 0 {
		return errors.New("tenants.entries must not be empty when require_auth is enabled")
	}
	if !cfg.Tenants.RequireAuth && cfg.Tenants.DefaultTenant == "" {
		return errors.New("tenants.default_tenant must not be empty when require_auth is disabled")
	}
	for _, entry := range cfg.Tenants.Entries {
		if entry.ID == "" {
			return errors.New("tenants.entries[].id must not be empty")
		}
		if entry.APIKey == "" {
			return fmt.Errorf("tenants.entries[%s].api_key must not be empty", entry.ID)
		}
	}
	return nil
}
