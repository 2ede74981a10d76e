package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver turns relay events into process-wide Prometheus series.
type PrometheusObserver struct {
	registry *prometheus.Registry

	SessionsStarted     prometheus.Counter
	SessionsClosed      *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	FramesForwarded     *prometheus.CounterVec
	FramesDropped       *prometheus.CounterVec
	ProviderMessages    *prometheus.CounterVec
	ProviderParseErrors prometheus.Counter
	ConnectFailures     prometheus.Counter
	CaptureDropped      prometheus.Counter
}

// NewPrometheusObserver registers all series on a fresh registry.
func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &PrometheusObserver{
		registry: reg,
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "sttrelay_sessions_started_total",
			Help: "Total number of relay sessions accepted",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sttrelay_sessions_closed_total",
			Help: "Total number of relay sessions closed, by initiating side",
		}, []string{"initiator"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "sttrelay_active_sessions",
			Help: "Current number of live relay sessions",
		}),
		FramesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sttrelay_frames_forwarded_total",
			Help: "Total number of frames forwarded, by direction",
		}, []string{"direction"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sttrelay_frames_dropped_total",
			Help: "Total number of frames dropped, by direction",
		}, []string{"direction"}),
		ProviderMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sttrelay_provider_messages_total",
			Help: "Total number of provider messages, by type tag",
		}, []string{"type"}),
		ProviderParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "sttrelay_provider_parse_errors_total",
			Help: "Total number of provider messages that were not structured JSON",
		}),
		ConnectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sttrelay_provider_connect_failures_total",
			Help: "Total number of failed provider connection attempts",
		}),
		CaptureDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "sttrelay_capture_blocks_dropped_total",
			Help: "Total number of capture blocks dropped on a full queue",
		}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionStarted:
		p.SessionsStarted.Inc()
		p.ActiveSessions.Inc()
	case EventSessionClosed:
		p.SessionsClosed.WithLabelValues(tagOr(ev.Tags, "initiator", "unknown")).Inc()
		p.ActiveSessions.Dec()
	case EventFrameForwarded:
		p.FramesForwarded.WithLabelValues(tagOr(ev.Tags, "direction", "unknown")).Inc()
	case EventFrameDropped:
		p.FramesDropped.WithLabelValues(tagOr(ev.Tags, "direction", "unknown")).Inc()
	case EventProviderMessage:
		p.ProviderMessages.WithLabelValues(tagOr(ev.Tags, "type", "unknown")).Inc()
	case EventProviderParseError:
		p.ProviderParseErrors.Inc()
	case EventConnectFailed:
		p.ConnectFailures.Inc()
	case EventCaptureBlockDropped:
		p.CaptureDropped.Inc()
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (p *PrometheusObserver) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func tagOr(tags map[string]string, key, fallback string) string {
	if v := tags[key]; v != "" {
		return v
	}
	return fallback
}
