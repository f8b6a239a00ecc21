package twilio

import (
	"errors"
	"strings"

	"github.com/harunnryd/callrelay/pkg/transports"
)

type Config struct {
	AccountSID   string   `mapstructure:"account_sid"`
	AuthToken    string   `mapstructure:"auth_token"`
	APIKeySID    string   `mapstructure:"api_key_sid"`
	APIKeySecret string   `mapstructure:"api_key_secret"`
	TwiMLAppSID  string   `mapstructure:"twiml_app_sid"`
	Identity     string   `mapstructure:"identity"`
	TokenTTLSec  int      `mapstructure:"token_ttl_sec"`
	CallerID     string   `mapstructure:"caller_id"`
	PublicURL    string   `mapstructure:"public_url"`
	ServerAddr   string   `mapstructure:"server_addr"`
	StreamPath   string   `mapstructure:"stream_path"`
	ClientPath   string   `mapstructure:"client_path"`
	VoicePath    string   `mapstructure:"voice_path"`
	TokenPath    string   `mapstructure:"token_path"`
	AllowOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/twilio"
	}
	if c.ClientPath == "" {
		c.ClientPath = "/client"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.TokenPath == "" {
		c.TokenPath = "/token"
	}
	if c.Identity == "" {
		c.Identity = "user"
	}
	if c.TokenTTLSec <= 0 {
		c.TokenTTLSec = 3600
	}
	return c
}

// WithDefaults fills unset paths and token settings.
func (c Config) WithDefaults() Config { return c.withDefaults() }

// ValidateCredentials reports every credential the token endpoint needs but
// does not have.
func (c Config) ValidateCredentials() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"twilio.account_sid", c.AccountSID},
		{"twilio.api_key_sid", c.APIKeySID},
		{"twilio.api_key_secret", c.APIKeySecret},
		{"twilio.twiml_app_sid", c.TwiMLAppSID},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errors.New("missing: " + strings.Join(missing, ", "))
}

func (c Config) streamURL(host string) string {
	if c.PublicURL != "" {
		host = transports.NormalizePublicURL(c.PublicURL)
	}
	if host == "" {
		host = "localhost" + c.ServerAddr
	}
	return "wss://" + host + c.StreamPath
}

func (c Config) voiceWebhookURL() string {
	if c.PublicURL != "" {
		return "https://" + transports.NormalizePublicURL(c.PublicURL) + c.VoicePath
	}
	addr := c.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + c.VoicePath
}
