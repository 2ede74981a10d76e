package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/sttrelay/pkg/errorsx"
	"github.com/harunnryd/sttrelay/pkg/logging"
	"github.com/harunnryd/sttrelay/pkg/redact"
	"github.com/harunnryd/sttrelay/pkg/resilience"
	"github.com/harunnryd/sttrelay/pkg/telephony"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls through the Twilio REST API.
type Dialer struct {
	cfg     Config
	client  callCreator
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

var _ telephony.CallPlacer = (*Dialer)(nil)

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	cfg = cfg.withDefaults()
	retry := resilience.NewRetryPolicy(cfg.MaxRetries, time.Duration(cfg.RetryBackoffMS)*time.Millisecond)
	retry.Retryable = retryable
	return &Dialer{
		cfg:     cfg,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:  logging.NewComponentLogger(logger, "telephony"),
	}
}

func (d *Dialer) Name() string { return "twilio" }

// PlaceCall creates the call and returns its SID. Call status updates are
// posted to the relay's status callback when a public URL is configured.
func (d *Dialer) PlaceCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	from := req.From
	if from == "" {
		from = d.cfg.From
	}
	if req.To == "" || from == "" {
		return "", errorsx.Newf(errorsx.ReasonTelephonyDial, "to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.Newf(errorsx.ReasonTelephonyDial, "missing twilio credentials")
	}
	webhook := req.WebhookURL
	if webhook == "" {
		webhook = d.cfg.VoiceURL
	}
	if webhook == "" {
		return "", errorsx.Newf(errorsx.ReasonTelephonyDial, "voice webhook url required")
	}

	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetUrl(webhook)
	if cb := d.cfg.statusCallbackURL(); cb != "" {
		params.SetStatusCallback(cb)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	if strings.TrimSpace(req.SendDigits) != "" {
		params.SetSendDigits(req.SendDigits)
	}
	var resp *api.ApiV2010Call
	err := d.retry.Do(ctx, func() error {
		return d.breaker.Call(func() error {
			var err error
			resp, err = client.CreateCall(params)
			return classify(err)
		})
	})
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("create call: %s", redact.Secret(err.Error(), d.cfg.AuthToken)), errorsx.ReasonTelephonyDial)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Newf(errorsx.ReasonTelephonyDial, "missing call sid")
	}
	d.logger.Info("call_placed",
		slog.String("call_sid", *resp.Sid),
		slog.String("to", redact.Text(req.To)))
	return *resp.Sid, nil
}

// classify marks Twilio 429 responses so the breaker can count them.
func classify(err error) error {
	var rest *twilioclient.TwilioRestError
	if errors.As(err, &rest) && rest.Status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", resilience.RateLimitError{Provider: "twilio", Message: rest.Message}, err)
	}
	return err
}

// retryable retries rate limits and server errors. An open breaker is final.
func retryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	if resilience.IsRateLimit(err) {
		return true
	}
	var rest *twilioclient.TwilioRestError
	return errors.As(err, &rest) && rest.Status >= http.StatusInternalServerError
}
