package metrics

import (
	"context"
	"io"
	"log/slog"
)

// JSONLObserver writes one JSON line per sample.
type JSONLObserver struct {
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) Record(s Sample) {
	attrs := []slog.Attr{
		slog.String("stage", s.Stage),
		slog.String("kind", string(s.Kind)),
		slog.String("name", s.Name),
		slog.Time("at", s.Time),
		slog.Float64("value", s.Value),
	}
	for k, v := range s.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "sample", attrs...)
}
