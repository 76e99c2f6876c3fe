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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	ClientName  string           `yaml:"client_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Backend     BackendConfig    `yaml:"backend"`
	Capture     CaptureConfig    `yaml:"capture"`
	Normalizer  NormalizerConfig `yaml:"normalizer"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
}

// BackendConfig locates the speech-recognition backend.
type BackendConfig struct {
	URL                string `yaml:"url"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
}

type CaptureConfig struct {
	Device          string `yaml:"device"` // file, portaudio
	File            string `yaml:"file"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	BitDepth        int    `yaml:"bit_depth"`
	Continuous      bool   `yaml:"continuous"`
	DrainIntervalMS int    `yaml:"drain_interval_ms"`
	Realtime        bool   `yaml:"realtime"`
}

type NormalizerConfig struct {
	MaxDecoders int `yaml:"max_decoders"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RecognizerConfig struct {
	Bind               string `yaml:"bind"`
	Port               int    `yaml:"port"`
	Mode               string `yaml:"mode"` // mock, exec
	Command            string `yaml:"command"`
	ModelPath          string `yaml:"model_path"`
	Language           string `yaml:"language"`
	SampleRate         int    `yaml:"sample_rate"`
	PartialEveryChunks int    `yaml:"partial_every_chunks"`
	FinalEveryChunks   int    `yaml:"final_every_chunks"`
	TimeoutMS          int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		ClientName:  "followalong",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    9464,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Backend: BackendConfig{
			URL:                "ws://localhost:2700",
			HandshakeTimeoutMS: 5000,
		},
		Capture: CaptureConfig{
			Device:          "file",
			SampleRate:      16000,
			Channels:        1,
			BitDepth:        16,
			Continuous:      false,
			DrainIntervalMS: 250,
			Realtime:        true,
		},
		Normalizer: NormalizerConfig{
			MaxDecoders: 2,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "followalong",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/followalong-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Recognizer: RecognizerConfig{
			Bind:               "0.0.0.0",
			Port:               2700,
			Mode:               "mock",
			SampleRate:         16000,
			PartialEveryChunks: 2,
			FinalEveryChunks:   5,
			TimeoutMS:          30000,
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
	overrideString(&cfg.ClientName, "FOLLOWALONG_CLIENT_NAME")
	overrideString(&cfg.Environment, "FOLLOWALONG_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "FOLLOWALONG_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "FOLLOWALONG_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "FOLLOWALONG_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "FOLLOWALONG_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "FOLLOWALONG_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "FOLLOWALONG_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "FOLLOWALONG_TELEMETRY_TRACES")
	overrideString(&cfg.Backend.URL, "FOLLOWALONG_BACKEND_URL")
	overrideInt(&cfg.Backend.HandshakeTimeoutMS, "FOLLOWALONG_BACKEND_HANDSHAKE_TIMEOUT_MS")
	overrideString(&cfg.Capture.Device, "FOLLOWALONG_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.File, "FOLLOWALONG_CAPTURE_FILE")
	overrideInt(&cfg.Capture.SampleRate, "FOLLOWALONG_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "FOLLOWALONG_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.BitDepth, "FOLLOWALONG_CAPTURE_BIT_DEPTH")
	overrideBool(&cfg.Capture.Continuous, "FOLLOWALONG_CAPTURE_CONTINUOUS")
	overrideInt(&cfg.Capture.DrainIntervalMS, "FOLLOWALONG_CAPTURE_DRAIN_INTERVAL_MS")
	overrideBool(&cfg.Capture.Realtime, "FOLLOWALONG_CAPTURE_REALTIME")
	overrideInt(&cfg.Normalizer.MaxDecoders, "FOLLOWALONG_NORMALIZER_MAX_DECODERS")
	overrideBool(&cfg.Bus.Enabled, "FOLLOWALONG_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "FOLLOWALONG_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FOLLOWALONG_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "FOLLOWALONG_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "FOLLOWALONG_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "FOLLOWALONG_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "FOLLOWALONG_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "FOLLOWALONG_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "FOLLOWALONG_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "FOLLOWALONG_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "FOLLOWALONG_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "FOLLOWALONG_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "FOLLOWALONG_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "FOLLOWALONG_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "FOLLOWALONG_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "FOLLOWALONG_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Recognizer.Bind, "FOLLOWALONG_RECOGNIZER_BIND")
	overrideInt(&cfg.Recognizer.Port, "FOLLOWALONG_RECOGNIZER_PORT")
	overrideString(&cfg.Recognizer.Mode, "FOLLOWALONG_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "FOLLOWALONG_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "FOLLOWALONG_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Language, "FOLLOWALONG_RECOGNIZER_LANGUAGE")
	overrideInt(&cfg.Recognizer.SampleRate, "FOLLOWALONG_RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.PartialEveryChunks, "FOLLOWALONG_RECOGNIZER_PARTIAL_EVERY_CHUNKS")
	overrideInt(&cfg.Recognizer.FinalEveryChunks, "FOLLOWALONG_RECOGNIZER_FINAL_EVERY_CHUNKS")
	overrideInt(&cfg.Recognizer.TimeoutMS, "FOLLOWALONG_RECOGNIZER_TIMEOUT_MS")
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
	if cfg.ClientName == "" {
		return errors.New("client_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Backend.URL == "" {
		return errors.New("backend.url must not be empty")
	}
	if !strings.HasPrefix(cfg.Backend.URL, "ws://") && !strings.HasPrefix(cfg.Backend.URL, "wss://") {
		return errors.New("backend.url must use the ws:// or wss:// scheme")
	}
	if cfg.Backend.HandshakeTimeoutMS <= 0 {
		return errors.New("backend.handshake_timeout_ms must be positive")
	}
	switch cfg.Capture.Device {
	case "file", "portaudio":
	default:
		return errors.New("capture.device must be one of file|portaudio")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.BitDepth != 16 {
		return errors.New("capture.bit_depth must be 16")
	}
	if cfg.Capture.Continuous && cfg.Capture.DrainIntervalMS <= 0 {
		return errors.New("capture.drain_interval_ms must be positive when continuous capture is enabled")
	}
	if cfg.Normalizer.MaxDecoders <= 0 {
		return errors.New("normalizer.max_decoders must be >= 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Recognizer.Mode {
	case "mock", "exec":
	default:
		return errors.New("recognizer.mode must be one of mock|exec")
	}
	if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
		return errors.New("recognizer.command must be set when mode=exec")
	}
	if cfg.Recognizer.Port <= 0 || cfg.Recognizer.Port > 65535 {
		return errors.New("recognizer.port must be between 1 and 65535")
	}
	if cfg.Recognizer.PartialEveryChunks <= 0 || cfg.Recognizer.FinalEveryChunks <= 0 {
		return errors.New("recognizer chunk cadence must be positive")
	}
	return nil
}
