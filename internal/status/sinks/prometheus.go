package sinks

import (
	"context"

	"github.com/forumvine/linkresolver/internal/metrics"
	"github.com/forumvine/linkresolver/internal/resolver"
)

// MetricsSink mirrors snapshot gauges into the Prometheus collectors.
type MetricsSink struct{}

// NewMetricsSink creates a MetricsSink. metrics.Init must have been called.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Publish updates the slot and queue gauges from the snapshot.
func (MetricsSink) Publish(_ context.Context, snap resolver.Snapshot) error {
	metrics.SetActiveSlots(snap.Active)
	metrics.SetQueuedLinks(snap.Queued)
	return nil
}

// Close implements status.Sink.
func (MetricsSink) Close(context.Context) error { return nil }
