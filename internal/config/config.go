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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
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

type CaptureConfig struct {
	Mode          string `yaml:"mode"` // mock, exec
	Command       string `yaml:"command"`
	AudioCommand  string `yaml:"audio_command"`
	MimeType      string `yaml:"mime_type"`
	ChunkEveryMS  int    `yaml:"chunk_every_ms"`
	MaxDurationMS int    `yaml:"max_duration_ms"`
	PreviewDir    string `yaml:"preview_dir"`
}

type RecognizerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec, google
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Interim    bool   `yaml:"interim_results"`
}

type VerifyConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
	AuthToken string `yaml:"auth_token"`
}

type AttemptConfig struct {
	Reference string `yaml:"reference_statement"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxAttempts   int    `yaml:"max_attempts"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type NodeConfig struct {
	ID                 string `yaml:"id"`
	Role               string `yaml:"role"`
	HeartbeatInterval  int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout   int    `yaml:"heartbeat_timeout_ms"`
	AnnounceOnRegister bool   `yaml:"announce_on_register"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Capture     CaptureConfig    `yaml:"capture"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Verify      VerifyConfig     `yaml:"verify"`
	Attempt     AttemptConfig    `yaml:"attempt"`
	Store       StoreConfig      `yaml:"store"`
	Node        NodeConfig       `yaml:"node"`
}

// DefaultReference is the statement the portal asks applicants to read
// on camera.
const DefaultReference = "I accept the terms and conditions, understand the risks, and take full responsibility for my investment."

func Default() Config {
	return Config{
		ServiceName: "kyc-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Mode:          "mock",
			MimeType:      "video/webm",
			ChunkEveryMS:  250,
			MaxDurationMS: 60000,
			PreviewDir:    os.TempDir(),
		},
		Recognizer: RecognizerConfig{
			Enabled:    true,
			Mode:       "mock",
			Language:   "en-US",
			SampleRate: 16000,
			Channels:   1,
			Interim:    false,
		},
		Verify: VerifyConfig{
			Endpoint:  "http://localhost:9000/kyc/video",
			TimeoutMS: 300000,
		},
		Attempt: AttemptConfig{
			Reference: DefaultReference,
		},
		Store: StoreConfig{
			Path:          "./data/kyc-attempts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxAttempts:   10000,
		},
		Node: NodeConfig{
			ID:                 "",
			Role:               "kyc-runtime",
			HeartbeatInterval:  5000,
			HeartbeatTimeout:   15000,
			AnnounceOnRegister: true,
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
	overrideString(&cfg.ServiceName, "KYC_SERVICE_NAME")
	overrideString(&cfg.Environment, "KYC_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KYC_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KYC_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KYC_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KYC_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KYC_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "KYC_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KYC_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "KYC_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KYC_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KYC_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KYC_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KYC_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KYC_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "KYC_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "KYC_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.AudioCommand, "KYC_CAPTURE_AUDIO_COMMAND")
	overrideString(&cfg.Capture.MimeType, "KYC_CAPTURE_MIME_TYPE")
	overrideInt(&cfg.Capture.ChunkEveryMS, "KYC_CAPTURE_CHUNK_EVERY_MS")
	overrideInt(&cfg.Capture.MaxDurationMS, "KYC_CAPTURE_MAX_DURATION_MS")
	overrideString(&cfg.Capture.PreviewDir, "KYC_CAPTURE_PREVIEW_DIR")
	overrideBool(&cfg.Recognizer.Enabled, "KYC_RECOGNIZER_ENABLED")
	overrideString(&cfg.Recognizer.Mode, "KYC_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "KYC_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "KYC_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Language, "KYC_RECOGNIZER_LANGUAGE")
	overrideInt(&cfg.Recognizer.SampleRate, "KYC_RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.Channels, "KYC_RECOGNIZER_CHANNELS")
	overrideBool(&cfg.Recognizer.Interim, "KYC_RECOGNIZER_INTERIM_RESULTS")
	overrideString(&cfg.Verify.Endpoint, "KYC_VERIFY_ENDPOINT")
	overrideInt(&cfg.Verify.TimeoutMS, "KYC_VERIFY_TIMEOUT_MS")
	overrideString(&cfg.Verify.AuthToken, "KYC_VERIFY_AUTH_TOKEN")
	overrideString(&cfg.Attempt.Reference, "KYC_ATTEMPT_REFERENCE_STATEMENT")
	overrideString(&cfg.Store.Path, "KYC_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "KYC_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "KYC_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxAttempts, "KYC_STORE_MAX_ATTEMPTS")
	overrideBool(&cfg.Store.VacuumOnStart, "KYC_STORE_VACUUM_ON_START")
	overrideString(&cfg.Node.ID, "KYC_NODE_ID")
	overrideString(&cfg.Node.Role, "KYC_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "KYC_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "KYC_NODE_HEARTBEAT_TIMEOUT_MS")
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
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
	switch cfg.Capture.Mode {
	case "mock", "exec":
	default:
		return errors.New("capture.mode must be one of mock|exec")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.MimeType == "" {
		return errors.New("capture.mime_type must not be empty")
	}
	if cfg.Capture.ChunkEveryMS <= 0 {
		return errors.New("capture.chunk_every_ms must be positive")
	}
	if cfg.Capture.MaxDurationMS <= 0 {
		return errors.New("capture.max_duration_ms must be positive")
	}
	if cfg.Recognizer.Enabled {
		switch cfg.Recognizer.Mode {
		case "mock", "exec", "google":
		default:
			return errors.New("recognizer.mode must be one of mock|exec|google")
		}
		if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
			return errors.New("recognizer.command must be set when mode=exec")
		}
		if cfg.Recognizer.SampleRate <= 0 {
			return errors.New("recognizer.sample_rate must be positive")
		}
		if cfg.Recognizer.Channels <= 0 {
			return errors.New("recognizer.channels must be positive")
		}
		if cfg.Recognizer.Language == "" {
			return errors.New("recognizer.language must not be empty")
		}
	}
	if cfg.Verify.Endpoint == "" {
		return errors.New("verify.endpoint must not be empty")
	}
	if cfg.Verify.TimeoutMS <= 0 {
		return errors.New("verify.timeout_ms must be positive")
	}
	if cfg.Attempt.Reference == "" {
		return errors.New("attempt.reference_statement must not be empty")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must exceed node.heartbeat_interval_ms")
	}
	return nil
}
