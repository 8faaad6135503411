// Package sinks provides status sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/forumvine/linkresolver/internal/resolver"
)

// LogSink writes each delivered snapshot to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Publish logs the snapshot at info level.
func (s *LogSink) Publish(_ context.Context, snap resolver.Snapshot) error {
	s.logger.Info("run status",
		zap.String("run_id", snap.RunID),
		zap.String("phase", string(snap.Phase)),
		zap.String("message", snap.Message),
		zap.Int("total", snap.Total),
		zap.Int("completed", snap.Completed),
		zap.Int("active", snap.Active),
		zap.Int("queued", snap.Queued),
	)
	return nil
}

// Close implements status.Sink.
func (s *LogSink) Close(context.Context) error { return nil }
