package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds all the metric instruments for the page store.
type StorageMetrics struct {
	CacheHitsCounter         metric.Int64Counter
	CacheMissesCounter       metric.Int64Counter
	EvictionsCounter         metric.Int64Counter
	JournalRecordsCounter    metric.Int64Counter
	JournalBytesCounter      metric.Int64Counter
	CheckpointsCounter       metric.Int64Counter
	RotationsCounter         metric.Int64Counter
	DrainedJournalsCounter   metric.Int64Counter
	RecoveredJournalsCounter metric.Int64Counter
	DiscardedJournalsCounter metric.Int64Counter
	CheckpointLatency        metric.Int64Histogram
	DrainLatency             metric.Int64Histogram
}

// NewStorageMetrics creates and registers all the metrics for the page store.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.CacheHitsCounter, "pagejournal.cache.hits_total", "Page fetches served from the cache.", "1"},
		{&m.CacheMissesCounter, "pagejournal.cache.misses_total", "Page fetches that allocated a new page.", "1"},
		{&m.EvictionsCounter, "pagejournal.cache.evictions_total", "Pages unlinked from the cache.", "1"},
		{&m.JournalRecordsCounter, "pagejournal.journal.records_total", "Records appended to journal files.", "1"},
		{&m.JournalBytesCounter, "pagejournal.journal.bytes_total", "Bytes appended to journal files.", "By"},
		{&m.CheckpointsCounter, "pagejournal.checkpoints_total", "Checkpoints cut.", "1"},
		{&m.RotationsCounter, "pagejournal.journal.rotations_total", "Active journal rotations.", "1"},
		{&m.DrainedJournalsCounter, "pagejournal.journal.drained_total", "Sealed journals persisted and deleted.", "1"},
		{&m.RecoveredJournalsCounter, "pagejournal.recovery.replayed_total", "Journals replayed by recovery.", "1"},
		{&m.DiscardedJournalsCounter, "pagejournal.recovery.discarded_total", "Journals discarded by recovery for lack of a checkpoint.", "1"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	checkpointLatency, err := meter.Int64Histogram(
		"pagejournal.checkpoint.duration",
		metric.WithDescription("Time spent inside the write gate cutting a checkpoint."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	drainLatency, err := meter.Int64Histogram(
		"pagejournal.journal.drain.duration",
		metric.WithDescription("Time spent persisting one sealed journal."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointLatency = checkpointLatency
	m.DrainLatency = drainLatency
	return m, nil
}

// NoopStorageMetrics returns instruments that record nothing.
func NoopStorageMetrics() *StorageMetrics {
	m, err := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}
