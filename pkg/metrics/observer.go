package metrics

import "time"

// Event names recorded by the relay and the capture stage.
const (
	EventSessionStarted      = "relay.session_started"
	EventSessionClosed       = "relay.session_closed"
	EventFrameForwarded      = "relay.frame_forwarded"
	EventFrameDropped        = "relay.frame_dropped"
	EventProviderMessage     = "relay.provider_message"
	EventProviderParseError  = "relay.provider_parse_error"
	EventConnectFailed       = "relay.connect_failed"
	EventCaptureBlockDropped = "capture.block_dropped"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Count records a unit event with optional tags on obs. A nil observer is ignored.
func Count(obs Observer, name string, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags})
}
