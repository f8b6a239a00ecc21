package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/callrelay/pkg/adapters/stt"
	"github.com/harunnryd/callrelay/pkg/configutil"
	"github.com/harunnryd/callrelay/pkg/providers/deepgram"
	"github.com/harunnryd/callrelay/pkg/providers/google"
	"github.com/harunnryd/callrelay/pkg/providers/mock"
)

// STTFactoryBuilder validates provider settings and returns a per-connection
// session factory. Builders must not dial.
type STTFactoryBuilder func(cfg VendorConfig) (stt.Factory, error)

type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{stt: make(map[string]STTFactoryBuilder)}
}

// DefaultProviderRegistry knows deepgram, google and mock.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgram)
	r.RegisterSTT("google", buildGoogle)
	r.RegisterSTT("mock", buildMock)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(cfg VendorConfig) (stt.Factory, error) {
	fn := r.stt[strings.ToLower(strings.TrimSpace(cfg.Provider))]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Provider)
	}
	return fn(cfg)
}

func validateProviderSettings(cfg VendorConfig) error {
	_, err := DefaultProviderRegistry().BuildSTTFactory(cfg)
	return err
}

const settingsPath = "transcription.settings"

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

type googleSettings struct {
	CredentialsJSON string `mapstructure:"credentials_json"`
	LanguageCode    string `mapstructure:"language_code"`
	Model           string `mapstructure:"model"`
	Interim         *bool  `mapstructure:"interim"`
}

type mockSettings struct {
	Transcript     string `mapstructure:"transcript"`
	EmitEveryBytes int    `mapstructure:"emit_every_bytes"`
	AutoReady      *bool  `mapstructure:"auto_ready"`
	ReadyDelayMS   int    `mapstructure:"ready_delay_ms"`
}

func buildDeepgram(cfg VendorConfig) (stt.Factory, error) {
	if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
		Path:     settingsPath,
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "utterance_end_ms"},
	}); err != nil {
		return nil, err
	}
	var settings deepgramSettings
	if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, settingsPath+".api_key"); err != nil {
		return nil, err
	}
	settings.Language = configutil.StringValue(settings.Language, "en-US")
	utteranceEnd, err := configutil.IntInRange(settings.UtteranceEndMS, 1000, 0, 5000, settingsPath+".utterance_end_ms")
	if err != nil {
		return nil, err
	}
	interim := configutil.BoolValue(settings.Interim, true)

	return func(traceID string) stt.Session {
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       settings.Language,
			Interim:        interim,
			UtteranceEndMS: utteranceEnd,
			TraceID:        traceID,
		})
	}, nil
}

func buildGoogle(cfg VendorConfig) (stt.Factory, error) {
	if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
		Path:     settingsPath,
		Optional: []string{"credentials_json", "language_code", "model", "interim"},
	}); err != nil {
		return nil, err
	}
	var settings googleSettings
	if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
		return nil, err
	}
	interim := configutil.BoolValue(settings.Interim, true)
	return func(traceID string) stt.Session {
		return google.New(google.Config{
			CredentialsJSON: settings.CredentialsJSON,
			LanguageCode:    settings.LanguageCode,
			Model:           settings.Model,
			Interim:         interim,
			TraceID:         traceID,
		})
	}, nil
}

func buildMock(cfg VendorConfig) (stt.Factory, error) {
	if err := configutil.ValidateSettings(cfg.Settings, configutil.Schema{
		Path:     settingsPath,
		Optional: []string{"transcript", "emit_every_bytes", "auto_ready", "ready_delay_ms"},
	}); err != nil {
		return nil, err
	}
	var settings mockSettings
	if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
		return nil, err
	}
	autoReady := configutil.BoolValue(settings.AutoReady, true)
	return func(traceID string) stt.Session {
		return mock.NewSTT(mock.STTConfig{
			AutoReady:      autoReady,
			ReadyDelay:     time.Duration(settings.ReadyDelayMS) * time.Millisecond,
			Transcript:     settings.Transcript,
			EmitEveryBytes: settings.EmitEveryBytes,
		})
	}, nil
}
