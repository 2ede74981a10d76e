// Package telephony is the call placement boundary. The relay itself never
// depends on it; the CLI uses it to bring a phone call onto a session.
package telephony

import (
	"context"
	"net/http"
)

// CallRequest describes one outbound call.
type CallRequest struct {
	To   string
	From string
	// WebhookURL is fetched by the carrier once the call connects. Empty
	// means the placer's configured default.
	WebhookURL string
	SendDigits string
}

// CallPlacer places outbound calls through a carrier API.
type CallPlacer interface {
	Name() string
	PlaceCall(ctx context.Context, req CallRequest) (callID string, err error)
}

// WebhookHandler serves carrier callbacks on the relay's HTTP server.
type WebhookHandler interface {
	Path() string
	http.Handler
}
