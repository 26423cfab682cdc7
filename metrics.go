package jsondb

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// engineMetrics keeps per-engine counters in their own set, so several
// engines in one process (tests, mostly) do not share values.
type engineMetrics struct {
	set *metrics.Set
}

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{set: metrics.NewSet()}
}

func metricName(name, partition string) string {
	return fmt.Sprintf(`%s{partition=%q}`, name, partition)
}

func (m *engineMetrics) commit(partition string, dur time.Duration) {
	m.set.GetOrCreateCounter(metricName("jsondb_commits_total", partition)).Inc()
	m.set.GetOrCreateHistogram(metricName("jsondb_commit_duration_seconds", partition)).Update(dur.Seconds())
}

func (m *engineMetrics) changes(partition string, n int) {
	m.set.GetOrCreateCounter(metricName("jsondb_changes_total", partition)).Add(n)
}

func (m *engineMetrics) write(partition string, objects int, dur time.Duration) {
	m.set.GetOrCreateCounter(metricName("jsondb_written_objects_total", partition)).Add(objects)
	m.set.GetOrCreateHistogram(metricName("jsondb_write_duration_seconds", partition)).Update(dur.Seconds())
}

func (m *engineMetrics) writeFailed(partition string) {
	m.set.GetOrCreateCounter(metricName("jsondb_write_errors_total", partition)).Inc()
}

func (m *engineMetrics) query(partition, indexName string, dur time.Duration) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`jsondb_queries_total{partition=%q,index=%q}`, partition, indexName)).Inc()
	m.set.GetOrCreateHistogram(metricName("jsondb_query_duration_seconds", partition)).Update(dur.Seconds())
}

func (m *engineMetrics) indexCreated(partition string) {
	m.set.GetOrCreateCounter(metricName("jsondb_ondemand_indexes_total", partition)).Inc()
}

func (m *engineMetrics) viewUpdate(partition, viewType string, changes int, dur time.Duration) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`jsondb_view_updates_total{partition=%q,view=%q}`, partition, viewType)).Inc()
	m.set.GetOrCreateCounter(fmt.Sprintf(`jsondb_view_source_changes_total{partition=%q,view=%q}`, partition, viewType)).Add(changes)
	m.set.GetOrCreateHistogram(metricName("jsondb_view_update_duration_seconds", partition)).Update(dur.Seconds())
}

func (m *engineMetrics) transformFailed(partition string) {
	m.set.GetOrCreateCounter(metricName("jsondb_transform_errors_total", partition)).Inc()
}

func (m *engineMetrics) notified(partition string, n int) {
	m.set.GetOrCreateCounter(metricName("jsondb_notifications_total", partition)).Add(n)
}

func (m *engineMetrics) criticalError(partition string) {
	m.set.GetOrCreateCounter(metricName("jsondb_critical_errors_total", partition)).Inc()
}

// counter returns the current value of a counter, for tests and the CLI.
func (m *engineMetrics) counter(name, partition string) uint64 {
	return m.set.GetOrCreateCounter(metricName(name, partition)).Get()
}
