package sttrelay

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/sttrelay/pkg/adapters/stt"
	"github.com/harunnryd/sttrelay/pkg/providers/deepgram"
	"github.com/harunnryd/sttrelay/pkg/telephony"
	"github.com/harunnryd/sttrelay/pkg/telephony/twilio"
)

// STTFactory builds the target builder and connector for one provider.
type STTFactory func(cfg Config, logger *slog.Logger) (stt.TargetBuilder, stt.Connector, error)

// TelephonyFactory builds a call placer and, optionally, the webhook handler
// that receives the carrier's status callbacks.
type TelephonyFactory func(cfg Config, logger *slog.Logger) (telephony.CallPlacer, telephony.WebhookHandler, error)

type ProviderRegistry struct {
	stt       map[string]STTFactory
	telephony map[string]TelephonyFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]STTFactory),
		telephony: make(map[string]TelephonyFactory),
	}
}

// DefaultRegistry knows the bundled providers.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", deepgramFactory)
	r.RegisterTelephony("twilio", twilioFactory)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTelephony(name string, factory TelephonyFactory) {
	r.telephony[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(cfg Config, logger *slog.Logger) (stt.TargetBuilder, stt.Connector, error) {
	fn := r.stt[normalizeName(cfg.Provider.Name)]
	if fn == nil {
		return nil, nil, fmt.Errorf("stt provider not registered: %s", cfg.Provider.Name)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildTelephony(cfg Config, logger *slog.Logger) (telephony.CallPlacer, telephony.WebhookHandler, error) {
	fn := r.telephony[normalizeName(cfg.Telephony.Provider)]
	if fn == nil {
		return nil, nil, fmt.Errorf("telephony provider not registered: %s", cfg.Telephony.Provider)
	}
	return fn(cfg, logger)
}

func deepgramFactory(cfg Config, logger *slog.Logger) (stt.TargetBuilder, stt.Connector, error) {
	builder := deepgram.Builder{
		BaseURL:  cfg.Provider.BaseURL,
		Token:    cfg.Provider.APIKey,
		Defaults: cfg.ProviderDefaults(),
	}
	// Fail at startup rather than on the first session.
	if _, err := builder.BuildTarget(nil); err != nil {
		return nil, nil, fmt.Errorf("deepgram target: %w", err)
	}
	connector := deepgram.NewConnector(deepgram.ConnectorConfig{
		ConnectTimeout: cfg.ConnectTimeout(),
		Logger:         logger,
	})
	return builder, connector, nil
}

func twilioFactory(cfg Config, logger *slog.Logger) (telephony.CallPlacer, telephony.WebhookHandler, error) {
	tcfg, err := twilio.ConfigFromSettings(cfg.Telephony.Settings)
	if err != nil {
		return nil, nil, fmt.Errorf("telephony.settings: %w", err)
	}
	return twilio.NewDialer(tcfg, logger), twilio.NewStatusHandler(tcfg, logger, nil), nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
