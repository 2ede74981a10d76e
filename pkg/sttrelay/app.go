package sttrelay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/harunnryd/sttrelay/pkg/metrics"
	"github.com/harunnryd/sttrelay/pkg/relay"
)

// Observability is the process-wide metrics sink, the only state shared by
// sessions.
type Observability struct {
	Observer   metrics.Observer
	Prometheus *metrics.PrometheusObserver
	closers    []func() error
}

// NewObservability always exposes Prometheus series. Per-frame events are
// additionally written to a JSONL file when one is configured, sampled at
// observability.frame_sample_rate.
func NewObservability(cfg Config, logger *slog.Logger) (*Observability, error) {
	prom := metrics.NewPrometheusObserver()
	o := &Observability{Prometheus: prom}
	list := []metrics.Observer{prom}

	if path := cfg.Observability.MetricsJSONL; path != "" {
		jl, err := metrics.OpenJSONLObserver(path)
		if err != nil {
			return nil, fmt.Errorf("open metrics jsonl: %w", err)
		}
		async := metrics.NewAsyncObserver(jl, cfg.Observability.AsyncBuffer)
		o.closers = append(o.closers, func() error { async.Close(); return nil }, jl.Close)
		list = append(list, metrics.NewSamplingObserver(async, cfg.Observability.FrameSampleRate,
			metrics.EventFrameForwarded, metrics.EventFrameDropped, metrics.EventProviderMessage))
	}
	if cfg.LogLevel == "debug" {
		list = append(list, metrics.NewLoggerObserver(logger))
	}
	o.Observer = metrics.NewMultiObserver(list...)
	return o, nil
}

// Close flushes buffered events in order.
func (o *Observability) Close() error {
	var errs []error
	for _, fn := range o.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewServer assembles the relay from configuration. Telephony webhooks are
// mounted only when telephony settings are present.
func NewServer(cfg Config, reg *ProviderRegistry, obs *Observability, logger *slog.Logger) (*relay.Server, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	builder, connector, err := reg.BuildSTT(cfg, logger)
	if err != nil {
		return nil, err
	}
	routes := map[string]http.Handler{}
	if len(cfg.Telephony.Settings) > 0 {
		_, hook, err := reg.BuildTelephony(cfg, logger)
		if err != nil {
			return nil, err
		}
		if hook != nil {
			routes[hook.Path()] = hook
		}
	}
	opts := relay.Options{
		Builder:   builder,
		Connector: connector,
		Routes:    routes,
		Logger:    logger,
	}
	if obs != nil {
		opts.Observer = obs.Observer
		opts.MetricsHandler = obs.Prometheus.Handler()
	}
	return relay.New(cfg.Server, opts), nil
}
