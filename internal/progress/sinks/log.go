package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/progress"
)

// LogSink mirrors events into the process log. Tasks that end FAILED or
// BROKEN are logged at Warn; everything else is Debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for i := range batch {
		evt := &batch[i]
		level := zapcore.DebugLevel
		if evt.Stage == progress.StageTaskEnd && (evt.Status == crawler.TaskStatusFailed || evt.Status == crawler.TaskStatusBroken) {
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, string(evt.Stage))
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func eventFields(evt *progress.Event) []zap.Field {
	fields := make([]zap.Field, 0, 8)
	fields = append(fields,
		zap.Int64("task_id", evt.TaskID),
		zap.Int64("site_id", evt.SiteID),
		zap.String("url", evt.URL),
	)
	if evt.Site != "" {
		fields = append(fields, zap.String("site", evt.Site))
	}
	switch evt.Stage {
	case progress.StageFetchDone:
		fields = append(fields,
			zap.String("status_class", string(evt.StatusClass)),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("fetch_duration", evt.Dur),
		)
	case progress.StageTaskEnd:
		fields = append(fields, zap.String("status", string(evt.Status)), zap.Duration("duration", evt.Dur))
		if evt.Kind != "" {
			fields = append(fields, zap.String("failure", evt.Kind))
		}
	}
	return fields
}
