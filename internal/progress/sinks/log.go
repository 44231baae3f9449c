package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/dataimport/internal/progress"
)

// LogSink writes one log line per import milestone. Step starts log at debug, run
// failures at warn, everything else at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink on logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event of batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level, msg := describe(evt.Stage)
		if ce := s.logger.Check(level, msg); ce != nil {
			ce.Write(eventFields(evt)...)
		}
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func describe(stage progress.Stage) (zapcore.Level, string) {
	switch stage {
	case progress.StageRunStart:
		return zapcore.InfoLevel, "import started"
	case progress.StageStepStart:
		return zapcore.DebugLevel, "import step started"
	case progress.StageStepDone:
		return zapcore.InfoLevel, "import step finished"
	case progress.StageRunDone:
		return zapcore.InfoLevel, "import finished"
	case progress.StageRunError:
		return zapcore.WarnLevel, "import failed"
	default:
		return zapcore.DebugLevel, "import progress"
	}
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("run_id", evt.RunUUID().String()),
		zap.String("organization", evt.Organization),
	}
	if evt.Step != "" {
		fields = append(fields, zap.String("step", evt.Step))
	}
	if evt.Host != "" {
		fields = append(fields, zap.String("host", evt.Host))
	}
	if evt.Bytes > 0 {
		fields = append(fields, zap.Int64("bytes", evt.Bytes))
	}
	if evt.StatusCode != 0 {
		fields = append(fields, zap.Int("status_code", evt.StatusCode))
	}
	if evt.Stage != progress.StageRunStart && evt.Stage != progress.StageStepStart {
		fields = append(fields, zap.Duration("duration", evt.Dur))
	}
	if evt.Kind != "" {
		fields = append(fields, zap.String("kind", evt.Kind), zap.String("note", evt.Note))
	}
	return fields
}
