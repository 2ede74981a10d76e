package stt

import (
	"context"
	"net/http"
	"time"
)

// Conn is one duplex provider connection. *websocket.Conn from
// gorilla/websocket satisfies it, and so does the relay's client side.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Target is a resolved provider endpoint. The secret travels in Header only;
// String must never expose it.
type Target interface {
	URL() string
	Header() http.Header
	String() string
}

// Connector opens exactly one authenticated provider connection per call.
// It performs no retry.
type Connector interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Connect dials target and blocks until the connection is open or fails.
	Connect(ctx context.Context, target Target) (Conn, error)
}

// TargetBuilder resolves client-supplied parameters into a provider target.
type TargetBuilder interface {
	BuildTarget(params map[string]string) (Target, error)
}
