package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TransportMetrics tracks the ingest transport's counters. Plain atomics
// back /stats (they must be readable as JSON); the prometheus collectors
// mirror them for /metrics scrapers.
type TransportMetrics struct {
	activeConnections  atomic.Int64
	totalConnections   atomic.Int64
	eventsIngested     atomic.Int64
	batchesWritten     atomic.Int64
	outboundDropped    atomic.Int64
	persistenceRetries atomic.Int64

	promActive  prometheus.Gauge
	promEvents  prometheus.Counter
	promBatches prometheus.Counter
	promDrops   prometheus.Counter
	promRetries prometheus.Counter
}

// NewTransportMetrics registers the bridge collectors on the given
// registerer (nil uses the default registry).
func NewTransportMetrics(reg prometheus.Registerer) *TransportMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &TransportMetrics{
		promActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_connections",
			Help: "Currently bound WebSocket connections.",
		}),
		promEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_ingested_total",
			Help: "Telemetry events landed in the store.",
		}),
		promBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_batches_written_total",
			Help: "Event and network batches committed.",
		}),
		promDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_outbound_dropped_total",
			Help: "Outbound frames dropped on queue overflow.",
		}),
		promRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_persistence_retries_total",
			Help: "Store batch writes retried after transient errors.",
		}),
	}
}

// ConnOpened records a new bound connection.
func (m *TransportMetrics) ConnOpened() {
	m.activeConnections.Add(1)
	m.totalConnections.Add(1)
	m.promActive.Inc()
}

// ConnClosed records a connection teardown.
func (m *TransportMetrics) ConnClosed() {
	m.activeConnections.Add(-1)
	m.promActive.Dec()
}

// EventsIngested records n events landed.
func (m *TransportMetrics) EventsIngested(n int) {
	m.eventsIngested.Add(int64(n))
	m.promEvents.Add(float64(n))
}

// BatchWritten records one committed batch.
func (m *TransportMetrics) BatchWritten() {
	m.batchesWritten.Add(1)
	m.promBatches.Inc()
}

// OutboundDropped records one frame dropped on queue overflow.
func (m *TransportMetrics) OutboundDropped() {
	m.outboundDropped.Add(1)
	m.promDrops.Inc()
}

// PersistenceRetry records one retried batch write.
func (m *TransportMetrics) PersistenceRetry() {
	m.persistenceRetries.Add(1)
	m.promRetries.Inc()
}

// Stats is the JSON shape of the connection metrics block in /stats.
type Stats struct {
	ActiveConnections  int64 `json:"active_connections"`
	TotalConnections   int64 `json:"total_connections"`
	EventsIngested     int64 `json:"events_ingested"`
	BatchesWritten     int64 `json:"batches_written"`
	OutboundDropped    int64 `json:"outbound_dropped"`
	PersistenceRetries int64 `json:"persistence_retries"`
}

// Snapshot returns the current counter values.
func (m *TransportMetrics) Snapshot() Stats {
	return Stats{
		ActiveConnections:  m.activeConnections.Load(),
		TotalConnections:   m.totalConnections.Load(),
		EventsIngested:     m.eventsIngested.Load(),
		BatchesWritten:     m.batchesWritten.Load(),
		OutboundDropped:    m.outboundDropped.Load(),
		PersistenceRetries: m.persistenceRetries.Load(),
	}
}
