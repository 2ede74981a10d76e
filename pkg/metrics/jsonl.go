package metrics

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// JSONLObserver writes one JSON line per event.
type JSONLObserver struct {
	logger *slog.Logger
	mu     sync.Mutex
	closer io.Closer
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

// OpenJSONLObserver appends events to the file at path.
func OpenJSONLObserver(path string) (*JSONLObserver, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	o := NewJSONLObserver(f)
	o.closer = f
	return o, nil
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.logger.LogAttrs(context.TODO(), slog.LevelInfo, "metrics", attrs...)
}

func (o *JSONLObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closer == nil {
		return nil
	}
	err := o.closer.Close()
	o.closer = nil
	return err
}
