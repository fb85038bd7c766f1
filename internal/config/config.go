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

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Cache       CacheConfig     `yaml:"cache"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Session     SessionConfig   `yaml:"session"`
	Cards       CardsConfig     `yaml:"cards"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CacheConfig struct {
	Path          string `yaml:"path"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SynthesisConfig struct {
	Mode             string `yaml:"mode"` // mock, http
	Endpoint         string `yaml:"endpoint"`
	DefaultVoice     string `yaml:"default_voice"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type PlaybackConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	PlayerCommand  string `yaml:"player_command"`
	ReadyTimeoutMS int    `yaml:"ready_timeout_ms"`
	MaxClipMS      int    `yaml:"max_clip_ms"`
}

type SessionConfig struct {
	InterClipDelayMS  int `yaml:"inter_clip_delay_ms"`
	ItemGapMS         int `yaml:"item_gap_ms"`
	WarmupTimeoutMS   int `yaml:"warmup_timeout_ms"`
	WarmupConcurrency int `yaml:"warmup_concurrency"`
}

type CardsConfig struct {
	BaseURL          string `yaml:"base_url"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxdeck-audio",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Cache: CacheConfig{
			Path:       "./data/voxdeck-audio.db",
			MaxEntries: 2000,
		},
		Synthesis: SynthesisConfig{
			Mode:             "mock",
			Endpoint:         "http://localhost:5000/api/tts",
			DefaultVoice:     "pt-PT-Standard-A",
			RequestTimeoutMS: 15000,
		},
		Playback: PlaybackConfig{
			Mode:           "mock",
			PlayerCommand:  "",
			ReadyTimeoutMS: 3000,
			MaxClipMS:      30000,
		},
		Session: SessionConfig{
			InterClipDelayMS:  1200,
			ItemGapMS:         800,
			WarmupTimeoutMS:   20000,
			WarmupConcurrency: 4,
		},
		Cards: CardsConfig{
			BaseURL:          "http://localhost:5000",
			RequestTimeoutMS: 10000,
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
	overrideString(&cfg.RuntimeName, "VOXDECK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXDECK_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXDECK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXDECK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXDECK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXDECK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXDECK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOXDECK_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOXDECK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXDECK_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOXDECK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXDECK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXDECK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXDECK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXDECK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXDECK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Cache.Path, "VOXDECK_CACHE_PATH")
	overrideInt(&cfg.Cache.MaxEntries, "VOXDECK_CACHE_MAX_ENTRIES")
	overrideBool(&cfg.Cache.VacuumOnStart, "VOXDECK_CACHE_VACUUM_ON_START")
	overrideString(&cfg.Synthesis.Mode, "VOXDECK_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "VOXDECK_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.DefaultVoice, "VOXDECK_SYNTHESIS_DEFAULT_VOICE")
	overrideInt(&cfg.Synthesis.RequestTimeoutMS, "VOXDECK_SYNTHESIS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Playback.Mode, "VOXDECK_PLAYBACK_MODE")
	overrideString(&cfg.Playback.PlayerCommand, "VOXDECK_PLAYBACK_PLAYER_COMMAND")
	overrideInt(&cfg.Playback.ReadyTimeoutMS, "VOXDECK_PLAYBACK_READY_TIMEOUT_MS")
	overrideInt(&cfg.Playback.MaxClipMS, "VOXDECK_PLAYBACK_MAX_CLIP_MS")
	overrideInt(&cfg.Session.InterClipDelayMS, "VOXDECK_SESSION_INTER_CLIP_DELAY_MS")
	overrideInt(&cfg.Session.ItemGapMS, "VOXDECK_SESSION_ITEM_GAP_MS")
	overrideInt(&cfg.Session.WarmupTimeoutMS, "VOXDECK_SESSION_WARMUP_TIMEOUT_MS")
	overrideInt(&cfg.Session.WarmupConcurrency, "VOXDECK_SESSION_WARMUP_CONCURRENCY")
	overrideString(&cfg.Cards.BaseURL, "VOXDECK_CARDS_BASE_URL")
	overrideInt(&cfg.Cards.RequestTimeoutMS, "VOXDECK_CARDS_REQUEST_TIMEOUT_MS")
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Cache.MaxEntries < 0 {
		return errors.New("cache.max_entries must be >= 0")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "http":
	default:
		return errors.New("synthesis.mode must be one of mock|http")
	}
	if cfg.Synthesis.Mode == "http" && cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must be set when mode=http")
	}
	if cfg.Synthesis.RequestTimeoutMS <= 0 {
		return errors.New("synthesis.request_timeout_ms must be positive")
	}
	switch cfg.Playback.Mode {
	case "mock", "exec":
	default:
		return errors.New("playback.mode must be one of mock|exec")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.PlayerCommand == "" {
		return errors.New("playback.player_command must be set when mode=exec")
	}
	if cfg.Playback.ReadyTimeoutMS <= 0 {
		return errors.New("playback.ready_timeout_ms must be positive")
	}
	if cfg.Playback.MaxClipMS <= 0 {
		return errors.New("playback.max_clip_ms must be positive")
	}
	if cfg.Session.InterClipDelayMS < 0 {
		return errors.New("session.inter_clip_delay_ms must be >= 0")
	}
	if cfg.Session.ItemGapMS < 0 {
		return errors.New("session.item_gap_ms must be >= 0")
	}
	if cfg.Session.WarmupTimeoutMS < 0 {
		return errors.New("session.warmup_timeout_ms must be >= 0")
	}
	if cfg.Session.WarmupConcurrency <= 0 {
		return errors.New("session.warmup_concurrency must be >= 1")
	}
	if cfg.Cards.BaseURL == "" {
		return errors.New("cards.base_url must not be empty")
	}
	if cfg.Cards.RequestTimeoutMS <= 0 {
		return errors.New("cards.request_timeout_ms must be positive")
	}
	return nil
}
