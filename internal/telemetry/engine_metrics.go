package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// EngineMetrics holds all the metric instruments of an open datafile.
type EngineMetrics struct {
	CacheHitsCounter       metric.Int64Counter
	CacheMissesCounter     metric.Int64Counter
	CacheSegmentsCounter   metric.Int64Counter
	CacheReclaimedCounter  metric.Int64Counter
	PagesWrittenCounter    metric.Int64Counter
	LogFlushesCounter      metric.Int64Counter
	WriterQueueUpDown      metric.Int64UpDownCounter
	LockWaitHistogram      metric.Float64Histogram
	LockTimeoutsCounter    metric.Int64Counter
	CheckpointPagesCounter metric.Int64Counter
	CheckpointHistogram    metric.Float64Histogram
	RecoveredPagesCounter  metric.Int64Counter
}

// NewEngineMetrics creates and registers all the metrics for the storage engine.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error

	if m.CacheHitsCounter, err = meter.Int64Counter(
		"gojodoc.cache.hits_total",
		metric.WithDescription("Readable page requests served from memory."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheMissesCounter, err = meter.Int64Counter(
		"gojodoc.cache.misses_total",
		metric.WithDescription("Readable page requests that had to read the disk."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheSegmentsCounter, err = meter.Int64Counter(
		"gojodoc.cache.segments_total",
		metric.WithDescription("Memory segments allocated by the page cache."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheReclaimedCounter, err = meter.Int64Counter(
		"gojodoc.cache.reclaimed_total",
		metric.WithDescription("Idle readable pages moved back to the free list."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.PagesWrittenCounter, err = meter.Int64Counter(
		"gojodoc.disk.pages_written_total",
		metric.WithDescription("Pages written to the data or log file."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.LogFlushesCounter, err = meter.Int64Counter(
		"gojodoc.disk.log_flushes_total",
		metric.WithDescription("Flushes of the log file to stable storage."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.WriterQueueUpDown, err = meter.Int64UpDownCounter(
		"gojodoc.disk.writer_queue_length",
		metric.WithDescription("Pages waiting in the disk writer queue."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.LockWaitHistogram, err = meter.Float64Histogram(
		"gojodoc.locker.wait_duration",
		metric.WithDescription("Time spent waiting to acquire a datafile lock mode."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.LockTimeoutsCounter, err = meter.Int64Counter(
		"gojodoc.locker.timeouts_total",
		metric.WithDescription("Lock acquisitions that exceeded their deadline."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointPagesCounter, err = meter.Int64Counter(
		"gojodoc.wal.checkpoint_pages_total",
		metric.WithDescription("Pages copied from the log into the data file."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointHistogram, err = meter.Float64Histogram(
		"gojodoc.wal.checkpoint_duration",
		metric.WithDescription("Checkpoint latency."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.RecoveredPagesCounter, err = meter.Int64Counter(
		"gojodoc.wal.recovered_pages_total",
		metric.WithDescription("Pages replayed from the log during recovery."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewNoopEngineMetrics returns instruments that record nothing.
func NewNoopEngineMetrics() *EngineMetrics {
	m, err := NewEngineMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		panic(err)
	}
	return m
}

// OriginAttr tags page counters with the file they hit.
func OriginAttr(origin string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("origin", origin))
}

// ModeAttr tags locker instruments with the lock mode.
func ModeAttr(mode string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("mode", mode))
}

// Add is a shorthand used on hot paths where no context is at hand.
func Add(c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	c.Add(context.Background(), n, opts...)
}
