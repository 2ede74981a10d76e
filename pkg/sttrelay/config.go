package sttrelay

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/harunnryd/sttrelay/pkg/providers/deepgram"
	"github.com/harunnryd/sttrelay/pkg/relay"
	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. STTRELAY_SERVER_ADDR.
const EnvPrefix = "STTRELAY"

type Config struct {
	Server         relay.Config        `mapstructure:"server"`
	Provider       ProviderConfig      `mapstructure:"provider" validate:"required"`
	Telephony      TelephonyConfig     `mapstructure:"telephony"`
	LogLevel       string              `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat      string              `mapstructure:"log_format" validate:"oneof=text json"`
	Privacy        PrivacyConfig       `mapstructure:"privacy"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	DrainTimeoutMS int                 `mapstructure:"drain_timeout_ms" validate:"gte=0"`
}

type ProviderConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	APIKey  string `mapstructure:"api_key"`
	// ConnectTimeoutMS bounds the provider handshake; 0 disables the bound.
	ConnectTimeoutMS int `mapstructure:"connect_timeout_ms" validate:"gte=0"`
	// Defaults override entries of the built-in parameter table.
	Defaults map[string]string `mapstructure:"defaults"`
}

type TelephonyConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	MetricsJSONL string `mapstructure:"metrics_jsonl"`
	// FrameSampleRate thins per-frame events written to MetricsJSONL.
	FrameSampleRate float64 `mapstructure:"frame_sample_rate" validate:"gte=0,lte=1"`
	AsyncBuffer     int     `mapstructure:"async_buffer" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/listen")
	v.SetDefault("server.health_path", "/health")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("provider.name", "deepgram")
	v.SetDefault("provider.base_url", deepgram.DefaultBaseURL)
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.connect_timeout_ms", 10000)
	v.SetDefault("telephony.provider", "twilio")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.metrics_jsonl", "")
	v.SetDefault("observability.frame_sample_rate", 1.0)
	v.SetDefault("observability.async_buffer", 1024)
	v.SetDefault("drain_timeout_ms", 10000)
}

// LoadConfig reads path (YAML, or any format viper knows) on top of the
// defaults. An empty path uses defaults and environment overrides only.
// String values may reference environment variables as ${NAME}.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
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
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

var validate = newValidator()

// newValidator reports fields by their config key.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks struct tags. It does not require credentials; see
// ValidateServe.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldPath(fe)+" failed "+fe.Tag())
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if !strings.HasPrefix(c.Provider.BaseURL, "ws://") && !strings.HasPrefix(c.Provider.BaseURL, "wss://") {
		return fmt.Errorf("provider.base_url must use ws or wss")
	}
	return nil
}

// ValidateServe adds the checks that only matter when running the relay.
func (c *Config) ValidateServe() error {
	if strings.TrimSpace(c.Provider.APIKey) == "" {
		return fmt.Errorf("provider.api_key is required (or set DEEPGRAM_API_KEY)")
	}
	return nil
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Provider.ConnectTimeoutMS) * time.Millisecond
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

// ProviderDefaults is the built-in parameter table with configured overrides.
func (c Config) ProviderDefaults() deepgram.Params {
	return deepgram.DefaultParams.WithOverrides(c.Provider.Defaults)
}

// fieldPath drops the root type name: "Config.provider.base_url" becomes
// "provider.base_url".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Telephony.Settings = expandSettings(cfg.Telephony.Settings)
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
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if !v.IsNil() {
			expandValue(v.Elem())
		}
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
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(v.MapIndex(key).String())))
			}
		}
	}
}
