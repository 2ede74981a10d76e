package twilio

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/sttrelay/pkg/errorsx"
	"github.com/harunnryd/sttrelay/pkg/logging"
	"github.com/harunnryd/sttrelay/pkg/redact"
	"github.com/harunnryd/sttrelay/pkg/telephony"
	twilioclient "github.com/twilio/twilio-go/client"
)

// StatusHandler receives Twilio call status callbacks. Requests without a
// valid X-Twilio-Signature are rejected with 403.
type StatusHandler struct {
	cfg      Config
	logger   *slog.Logger
	onStatus func(callSID, status string)
}

var _ telephony.WebhookHandler = (*StatusHandler)(nil)

func NewStatusHandler(cfg Config, logger *slog.Logger, onStatus func(callSID, status string)) *StatusHandler {
	return &StatusHandler{
		cfg:      cfg.withDefaults(),
		logger:   logging.NewComponentLogger(logger, "telephony"),
		onStatus: onStatus,
	}
}

func (h *StatusHandler) Path() string { return h.cfg.StatusCallbackPath }

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !h.validate(r) {
		h.logger.Warn("telephony_webhook_rejected",
			slog.String("path", r.URL.Path),
			errorsx.Attr(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	status := strings.ToLower(strings.TrimSpace(r.PostForm.Get("CallStatus")))
	h.logger.Info("call_status",
		slog.String("call_sid", callSID),
		slog.String("status", status),
		slog.String("to", redact.Text(r.PostForm.Get("To"))))
	if h.onStatus != nil {
		h.onStatus(callSID, status)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *StatusHandler) validate(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || h.cfg.AuthToken == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioclient.NewRequestValidator(h.cfg.AuthToken)
	return validator.Validate(h.requestURL(r), params, signature)
}

func (h *StatusHandler) requestURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(h.cfg.PublicURL) + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
