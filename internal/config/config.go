package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
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
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig carries the feature-extraction parameters. The defaults match
// the calibration of the shipped embedding model; changing them invalidates
// every stored voiceprint.
type AudioConfig struct {
	SampleRate   int     `yaml:"sample_rate"`
	MelBands     int     `yaml:"mel_bands"`
	FFTSize      int     `yaml:"fft_size"`
	HopSize      int     `yaml:"hop_size"`
	MaxFrames    int     `yaml:"max_frames"`
	TrimDB       float64 `yaml:"trim_db"`
	MinVerifyRMS float64 `yaml:"min_verify_rms"`
}

type EmbeddingConfig struct {
	Mode          string `yaml:"mode"` // mock, exec
	Command       string `yaml:"command"`
	ModelPath     string `yaml:"model_path"`
	Dim           int    `yaml:"dim"`
	LoadTimeoutMS int    `yaml:"load_timeout_ms"`
}

type VerifyConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type StoreConfig struct {
	UsersPath     string `yaml:"users_path"`
	VoiceprintDir string `yaml:"voiceprint_dir"`
	RecordingsDir string `yaml:"recordings_dir"`
	TempDir       string `yaml:"temp_dir"`
}

type AuditConfig struct {
	Path          string `yaml:"path"`
	Enabled       bool   `yaml:"enabled"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
	Verify      VerifyConfig    `yaml:"verify"`
	Store       StoreConfig     `yaml:"store"`
	Audit       AuditConfig     `yaml:"audit"`
}

func Default() Config {
	return Config{
		RuntimeName: "keyvox-runtime",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			MelBands:     117,
			FFTSize:      2048,
			HopSize:      512,
			MaxFrames:    297,
			TrimDB:       25,
			MinVerifyRMS: 0.020,
		},
		Embedding: EmbeddingConfig{
			Mode:          "mock",
			Dim:           256,
			LoadTimeoutMS: 30000,
		},
		Verify: VerifyConfig{
			Threshold: 0.989,
		},
		Store: StoreConfig{
			UsersPath:     "./data/users.json",
			VoiceprintDir: "./data/voiceprints",
			RecordingsDir: "./data/recordings",
			TempDir:       "./data/temp_uploads",
		},
		Audit: AuditConfig{
			Path:          "./data/keyvox-audit.db",
			Enabled:       true,
			RetentionDays: 30,
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
	overrideString(&cfg.RuntimeName, "KEYVOX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KEYVOX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KEYVOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KEYVOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KEYVOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KEYVOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KEYVOX_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "KEYVOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KEYVOX_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "KEYVOX_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "KEYVOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KEYVOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KEYVOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KEYVOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KEYVOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KEYVOX_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "KEYVOX_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.MelBands, "KEYVOX_AUDIO_MEL_BANDS")
	overrideInt(&cfg.Audio.FFTSize, "KEYVOX_AUDIO_FFT_SIZE")
	overrideInt(&cfg.Audio.HopSize, "KEYVOX_AUDIO_HOP_SIZE")
	overrideInt(&cfg.Audio.MaxFrames, "KEYVOX_AUDIO_MAX_FRAMES")
	overrideFloat(&cfg.Audio.TrimDB, "KEYVOX_AUDIO_TRIM_DB")
	overrideFloat(&cfg.Audio.MinVerifyRMS, "KEYVOX_AUDIO_MIN_VERIFY_RMS")
	overrideString(&cfg.Embedding.Mode, "KEYVOX_EMBEDDING_MODE")
	overrideString(&cfg.Embedding.Command, "KEYVOX_EMBEDDING_COMMAND")
	overrideString(&cfg.Embedding.ModelPath, "KEYVOX_EMBEDDING_MODEL_PATH")
	overrideInt(&cfg.Embedding.Dim, "KEYVOX_EMBEDDING_DIM")
	overrideInt(&cfg.Embedding.LoadTimeoutMS, "KEYVOX_EMBEDDING_LOAD_TIMEOUT_MS")
	overrideFloat(&cfg.Verify.Threshold, "KEYVOX_VERIFY_THRESHOLD")
	overrideString(&cfg.Store.UsersPath, "KEYVOX_STORE_USERS_PATH")
	overrideString(&cfg.Store.VoiceprintDir, "KEYVOX_STORE_VOICEPRINT_DIR")
	overrideString(&cfg.Store.RecordingsDir, "KEYVOX_STORE_RECORDINGS_DIR")
	overrideString(&cfg.Store.TempDir, "KEYVOX_STORE_TEMP_DIR")
	overrideString(&cfg.Audit.Path, "KEYVOX_AUDIT_PATH")
	overrideBool(&cfg.Audit.Enabled, "KEYVOX_AUDIT_ENABLED")
	overrideInt(&cfg.Audit.RetentionDays, "KEYVOX_AUDIT_RETENTION_DAYS")
	overrideBool(&cfg.Audit.VacuumOnStart, "KEYVOX_AUDIT_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.MelBands <= 0 {
		return errors.New("audio.mel_bands must be positive")
	}
	if cfg.Audio.FFTSize <= 0 {
		return errors.New("audio.fft_size must be positive")
	}
	if cfg.Audio.HopSize <= 0 || cfg.Audio.HopSize > cfg.Audio.FFTSize {
		return errors.New("audio.hop_size must be positive and no larger than audio.fft_size")
	}
	if cfg.Audio.MaxFrames <= 0 {
		return errors.New("audio.max_frames must be positive")
	}
	if cfg.Audio.TrimDB <= 0 {
		return errors.New("audio.trim_db must be positive")
	}
	if cfg.Audio.MinVerifyRMS < 0 {
		return errors.New("audio.min_verify_rms must be >= 0")
	}
	switch cfg.Embedding.Mode {
	case "mock", "exec":
	default:
		return errors.New("embedding.mode must be one of mock|exec")
	}
	if cfg.Embedding.Mode == "exec" && cfg.Embedding.Command == "" {
		return errors.New("embedding.command must be set when mode=exec")
	}
	if cfg.Embedding.Dim <= 0 {
		return errors.New("embedding.dim must be positive")
	}
	if cfg.Verify.Threshold < -1 || cfg.Verify.Threshold > 1 {
		return errors.New("verify.threshold must be a cosine similarity in [-1, 1]")
	}
	if cfg.Store.UsersPath == "" {
		return errors.New("store.users_path must not be empty")
	}
	if cfg.Store.VoiceprintDir == "" {
		return errors.New("store.voiceprint_dir must not be empty")
	}
	if cfg.Store.TempDir == "" {
		return errors.New("store.temp_dir must not be empty")
	}
	if filepath.Clean(cfg.Store.VoiceprintDir) == filepath.Clean(cfg.Store.TempDir) {
		return errors.New("store.voiceprint_dir and store.temp_dir must differ")
	}
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			return errors.New("audit.path must not be empty when audit is enabled")
		}
		if cfg.Audit.RetentionDays < 0 {
			return errors.New("audit.retention_days must be >= 0")
		}
	}
	return nil
}
