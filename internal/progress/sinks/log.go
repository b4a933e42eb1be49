// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors and the Postgres audit trail.
package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawlgate/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event; drops and failures at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("dispatch_id", evt.DispatchUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		fields = appendNonEmpty(fields, "url", evt.URL)
		fields = appendNonEmpty(fields, "host", evt.Host)
		fields = appendNonEmpty(fields, "proxy", evt.Proxy)
		fields = appendNonEmpty(fields, "address", evt.Address)
		fields = appendNonEmpty(fields, "record_type", evt.RecordType)
		fields = appendNonEmpty(fields, "reason", evt.Reason)
		fields = appendNonEmpty(fields, "note", evt.Note)
		if evt.StatusCode != 0 {
			fields = append(fields, zap.Int("status", evt.StatusCode))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageItemDropped, progress.StageSendFailed, progress.StageProxyEvicted:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func appendNonEmpty(fields []zap.Field, key, value string) []zap.Field {
	if value == "" {
		return fields
	}
	return append(fields, zap.String(key, value))
}
