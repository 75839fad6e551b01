package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/voxturn/pkg/metrics"
)

type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) Record(s metrics.Sample) {
	attrs := []slog.Attr{
		slog.String("stage", s.Stage),
		slog.String("kind", string(s.Kind)),
		slog.String("name", s.Name),
		slog.Float64("value", s.Value),
	}
	for k, v := range s.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	o.log.LogAttrs(context.TODO(), slog.LevelDebug, "metrics", attrs...)
}

type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) Record(s metrics.Sample) {
	for _, obs := range m.list {
		if obs != nil {
			obs.Record(s)
		}
	}
}
