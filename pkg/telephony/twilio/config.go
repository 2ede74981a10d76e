package twilio

import (
	"strings"

	"github.com/harunnryd/sttrelay/pkg/configutil"
)

type Config struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
	// PublicURL is the externally reachable host of the relay, with or
	// without scheme.
	PublicURL          string `mapstructure:"public_url"`
	VoiceURL           string `mapstructure:"voice_url"`
	StatusCallbackPath string `mapstructure:"status_callback_path"`
	// MaxRetries bounds retries of rate limited or failed (5xx) API calls.
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"account_sid", "auth_token"},
	Optional: []string{"from", "public_url", "voice_url", "status_callback_path", "max_retries", "retry_backoff_ms"},
}

// ConfigFromSettings validates and decodes the free-form telephony.settings map.
func ConfigFromSettings(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return cfg, err
	}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return cfg, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/telephony/status"
	}
	return c
}

func (c Config) statusCallbackURL() string {
	if c.PublicURL == "" {
		return ""
	}
	return "https://" + normalizePublicURL(c.PublicURL) + c.StatusCallbackPath
}

func normalizePublicURL(raw string) string {
	out := strings.TrimSpace(raw)
	out = strings.TrimPrefix(out, "https://")
	out = strings.TrimPrefix(out, "http://")
	return strings.TrimRight(out, "/")
}
