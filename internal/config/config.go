package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the device voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	MetricsNamespace         string
	LogLevel                 string

	AllowAnyOrigin bool

	SampleRate  int
	Channels    int
	SampleWidth int

	IngestAddr           string
	IngestLinkProfile    string
	FirstChunkTimeout    time.Duration
	PullReadTimeout      time.Duration
	PullMaxReadTimeouts  int
	PushReadTimeout      time.Duration
	PushMaxReadTimeouts  int
	MinRecordingBytes    int
	RecordingsDir        string
	IngestForwardURL     string
	ForwardAttempts      int
	ForwardBackoff       time.Duration
	ForwardTimeout       time.Duration
	SessionNotifyTimeout time.Duration

	DevicePort      int
	PushChunkSize   int
	PushDialTimeout time.Duration
	PushTailDelay   time.Duration
	OutputDir       string

	VoiceProvider  string
	ASRURL         string
	TTSURL         string
	ServiceTimeout time.Duration

	LLMMode       string
	LLMURL        string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	TranscriptLimit int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "edgevoice"),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		IngestAddr:        envOrDefault("INGEST_BIND_ADDR", ":8083"),
		IngestLinkProfile: strings.ToLower(envOrDefault("INGEST_LINK_PROFILE", "cellular")),
		RecordingsDir:     envOrDefault("RECORDINGS_DIR", "audio_recordings"),
		IngestForwardURL:  stringsTrimSpace("INGEST_FORWARD_URL"),
		OutputDir:         envOrDefault("OUTPUT_DIR", "output"),
		VoiceProvider:     envOrDefault("VOICE_PROVIDER", "http"),
		ASRURL:            envOrDefault("ASR_URL", "http://localhost:8081"),
		TTSURL:            envOrDefault("TTS_URL", "http://localhost:8085"),
		LLMMode:           envOrDefault("LLM_MODE", "http"),
		LLMURL:            envOrDefault("LLM_URL", "http://localhost:8082"),
		OpenAIAPIKey:      stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:       envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     stringsTrimSpace("OPENAI_BASE_URL"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		RedisAddr:         stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:     stringsTrimSpace("REDIS_PASSWORD"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		JanitorInterval:          30 * time.Second,

		SampleRate:  16000,
		Channels:    1,
		SampleWidth: 2,

		PullReadTimeout:      3 * time.Second,
		PullMaxReadTimeouts:  10,
		PushReadTimeout:      500 * time.Millisecond,
		PushMaxReadTimeouts:  5,
		MinRecordingBytes:    1000,
		ForwardAttempts:      3,
		ForwardBackoff:       time.Second,
		ForwardTimeout:       2 * time.Minute,
		SessionNotifyTimeout: 10 * time.Second,

		DevicePort:      5002,
		PushChunkSize:   512,
		PushDialTimeout: 2 * time.Second,
		PushTailDelay:   50 * time.Millisecond,

		ServiceTimeout:  30 * time.Second,
		TranscriptLimit: 50,
	}

	// Cellular modems can take a long time to push the first packet after
	// the socket opens; local links answer almost immediately.
	switch cfg.IngestLinkProfile {
	case "cellular":
		cfg.FirstChunkTimeout = 20 * time.Second
	case "local":
		cfg.FirstChunkTimeout = 2 * time.Second
	default:
		return Config{}, fmt.Errorf("INGEST_LINK_PROFILE must be cellular or local, got %q", cfg.IngestLinkProfile)
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_JANITOR_INTERVAL", &cfg.JanitorInterval},
		{"INGEST_FIRST_CHUNK_TIMEOUT", &cfg.FirstChunkTimeout},
		{"INGEST_PULL_READ_TIMEOUT", &cfg.PullReadTimeout},
		{"INGEST_PUSH_READ_TIMEOUT", &cfg.PushReadTimeout},
		{"INGEST_FORWARD_BACKOFF", &cfg.ForwardBackoff},
		{"INGEST_FORWARD_TIMEOUT", &cfg.ForwardTimeout},
		{"INGEST_SESSION_NOTIFY_TIMEOUT", &cfg.SessionNotifyTimeout},
		{"PUSH_DIAL_TIMEOUT", &cfg.PushDialTimeout},
		{"PUSH_TAIL_DELAY", &cfg.PushTailDelay},
		{"SERVICE_TIMEOUT", &cfg.ServiceTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"AUDIO_SAMPLE_RATE", &cfg.SampleRate},
		{"AUDIO_CHANNELS", &cfg.Channels},
		{"AUDIO_SAMPLE_WIDTH", &cfg.SampleWidth},
		{"INGEST_PULL_MAX_READ_TIMEOUTS", &cfg.PullMaxReadTimeouts},
		{"INGEST_PUSH_MAX_READ_TIMEOUTS", &cfg.PushMaxReadTimeouts},
		{"INGEST_MIN_RECORDING_BYTES", &cfg.MinRecordingBytes},
		{"INGEST_FORWARD_ATTEMPTS", &cfg.ForwardAttempts},
		{"DEVICE_PUSH_PORT", &cfg.DevicePort},
		{"PUSH_CHUNK_SIZE", &cfg.PushChunkSize},
		{"REDIS_DB", &cfg.RedisDB},
		{"TRANSCRIPT_LIMIT", &cfg.TranscriptLimit},
	}
	for _, n := range ints {
		*n.dst, err = intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.SampleWidth <= 0 {
		return Config{}, fmt.Errorf("audio format values must be positive")
	}
	if cfg.PushChunkSize <= 0 {
		return Config{}, fmt.Errorf("PUSH_CHUNK_SIZE must be positive")
	}
	if cfg.ForwardAttempts <= 0 {
		return Config{}, fmt.Errorf("INGEST_FORWARD_ATTEMPTS must be positive")
	}
	if cfg.PullMaxReadTimeouts <= 0 || cfg.PushMaxReadTimeouts <= 0 {
		return Config{}, fmt.Errorf("ingest read timeout thresholds must be positive")
	}
	if cfg.DevicePort <= 0 || cfg.DevicePort > 65535 {
		return Config{}, fmt.Errorf("DEVICE_PUSH_PORT out of range: %d", cfg.DevicePort)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
