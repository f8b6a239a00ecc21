package relay

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/transports/twilio"
)

type Config struct {
	ServerAddr        string              `mapstructure:"server_addr"`
	Environment       string              `mapstructure:"environment"`
	LogLevel          string              `mapstructure:"log_level"`
	LogFormat         string              `mapstructure:"log_format"`
	ShutdownTimeoutMS int                 `mapstructure:"shutdown_timeout_ms"`
	Privacy           PrivacyConfig       `mapstructure:"privacy"`
	Transcription     VendorConfig        `mapstructure:"transcription"`
	Twilio            twilio.Config       `mapstructure:"twilio"`
	Viewer            ViewerConfig        `mapstructure:"viewer"`
	Observability     ObservabilityConfig `mapstructure:"observability"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type PrivacyConfig struct {
	RedactTranscripts bool `mapstructure:"redact_transcripts"`
}

type ViewerConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
	// MetricsFile, when set, receives every event as JSONL.
	MetricsFile string `mapstructure:"metrics_file"`
	// ArtifactsDir holds per-call timelines and usage summaries.
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	AudioSampling float64 `mapstructure:"audio_sampling"`
	EventBuffer   int     `mapstructure:"event_buffer"`
}

// ShutdownTimeout is the drain budget.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

// legacyEnv maps older deployment variable names onto config keys.
var legacyEnv = map[string][]string{
	"twilio.account_sid":    {"TWILIO_ACCOUNT_SID", "TWILIO_ACC_SID"},
	"twilio.auth_token":     {"TWILIO_AUTH_TOKEN"},
	"twilio.api_key_sid":    {"TWILIO_API_KEY_SID", "TWILIO_API_SID"},
	"twilio.api_key_secret": {"TWILIO_API_KEY_SECRET", "TWILIO_API_SECRET"},
	"twilio.twiml_app_sid":  {"TWILIO_TWIML_APP_SID", "TWILIO_TWIML_SID"},
}

// LoadConfig reads .env (when present), then path (optional), then the
// environment. Every string is ${VAR}-expanded.
func LoadConfig(path string) (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetDefault("server_addr", ":8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("shutdown_timeout_ms", 10000)
	v.SetDefault("privacy.redact_transcripts", true)
	v.SetDefault("transcription.provider", "deepgram")
	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.api_key_sid", "")
	v.SetDefault("twilio.api_key_secret", "")
	v.SetDefault("twilio.twiml_app_sid", "")
	v.SetDefault("twilio.identity", "user")
	v.SetDefault("twilio.token_ttl_sec", 3600)
	v.SetDefault("twilio.caller_id", "")
	v.SetDefault("twilio.public_url", "")
	v.SetDefault("twilio.stream_path", "/twilio")
	v.SetDefault("twilio.client_path", "/client")
	v.SetDefault("twilio.voice_path", "/voice")
	v.SetDefault("twilio.token_path", "/token")
	v.SetDefault("twilio.allowed_origins", []string{})
	v.SetDefault("viewer.queue_size", 64)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.metrics_file", "")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.audio_sampling", 0.02)
	v.SetDefault("observability.event_buffer", 1024)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	cfg.Twilio.ServerAddr = cfg.ServerAddr
	cfg.Twilio = cfg.Twilio.WithDefaults()
	if strings.EqualFold(cfg.Transcription.Provider, "deepgram") {
		if cfg.Transcription.Settings == nil {
			cfg.Transcription.Settings = map[string]any{}
		}
		if _, ok := cfg.Transcription.Settings["api_key"]; !ok {
			if key := os.Getenv("DEEPGRAM_API_KEY"); key != "" {
				cfg.Transcription.Settings["api_key"] = key
			}
		}
	}
	return cfg, nil
}

// Validate reports every missing credential and malformed provider setting.
func (c *Config) Validate() error {
	var errs error
	if strings.TrimSpace(c.Transcription.Provider) == "" {
		errs = errors.Join(errs, errors.New("transcription.provider is required"))
	} else if err := validateProviderSettings(c.Transcription); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := c.Twilio.ValidateCredentials(); err != nil {
		errs = errors.Join(errs, err)
	}
	if c.Observability.AudioSampling < 0 || c.Observability.AudioSampling > 1 {
		errs = errors.Join(errs, fmt.Errorf("observability.audio_sampling must be between 0 and 1, got %v", c.Observability.AudioSampling))
	}
	if errs != nil {
		return errorsx.Wrap(errs, errorsx.ReasonConfigMissing)
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transcription.Settings = expandSettings(cfg.Transcription.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
