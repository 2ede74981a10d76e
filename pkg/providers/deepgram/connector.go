package deepgram

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/sttrelay/pkg/adapters/stt"
	"github.com/harunnryd/sttrelay/pkg/errorsx"
	"github.com/harunnryd/sttrelay/pkg/logging"
	"github.com/harunnryd/sttrelay/pkg/redact"
)

type ConnectorConfig struct {
	// ConnectTimeout bounds the dial and handshake. Zero waits indefinitely.
	ConnectTimeout time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// Connector dials the provider once per session. There is no retry: a failed
// dial is reported to the caller, which closes the client side.
type Connector struct {
	cfg    ConnectorConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewConnector(cfg ConnectorConfig) *Connector {
	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	return &Connector{
		cfg:    cfg,
		dialer: dialer,
		logger: logging.NewComponentLogger(cfg.Logger, "deepgram_connector"),
	}
}

func (c *Connector) Name() string { return "deepgram" }

func (c *Connector) Connect(ctx context.Context, target stt.Target) (stt.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	c.logger.Info("connecting to provider", slog.String("target", target.String()))

	conn, resp, err := c.dialer.DialContext(ctx, target.URL(), target.Header())
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		msg := redact.Secret(err.Error(), authToken(target))
		c.logger.Error("provider_connect_failed",
			slog.String("target", target.String()),
			slog.Int("status", status),
			slog.String("error", msg),
			errorsx.Attr(errorsx.ReasonProviderConnect))
		if status != 0 {
			return nil, errorsx.Newf(errorsx.ReasonProviderConnect, "provider handshake failed with status %d: %s", status, msg)
		}
		return nil, errorsx.Newf(errorsx.ReasonProviderConnect, "provider dial failed: %s", msg)
	}

	c.logger.Info("provider_connected", slog.String("target", target.String()))
	return conn, nil
}

// authToken recovers the secret from the target header so it can be scrubbed
// from transport error text.
func authToken(target stt.Target) string {
	_, token, ok := strings.Cut(target.Header().Get("Authorization"), " ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

var _ stt.Connector = (*Connector)(nil)
