// Package metrics exposes Prometheus collectors for the control plane.
// Counters are driven by the event bus; gauges are refreshed on a schedule
// from the live subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/events"
)

const namespace = "warden"

// NodeLister provides the fleet view for the node gauges.
type NodeLister interface {
	List() []domain.Node
}

// QueueCounter provides the notification queue depth by status.
type QueueCounter interface {
	CountByStatus() (map[domain.NotificationStatus]int, error)
}

// BufferCounter provides the meter emitter's in-memory backlog.
type BufferCounter interface {
	BufferedCount() int
}

// Metrics owns the registry and all collectors.
type Metrics struct {
	registry *prometheus.Registry
	log      zerolog.Logger

	nodes      NodeLister
	queue      QueueCounter
	meterBuf   BufferCounter

	eventsTotal       *prometheus.CounterVec
	migrationsTotal   *prometheus.CounterVec
	recoveriesTotal   *prometheus.CounterVec
	topupsTotal       *prometheus.CounterVec
	nodesByStatus     *prometheus.GaugeVec
	nodeCapacityMB    *prometheus.GaugeVec
	nodeUsedMB        *prometheus.GaugeVec
	notificationDepth *prometheus.GaugeVec
	meterBufferDepth  prometheus.Gauge
}

// New creates the metrics set on a fresh registry.
func New(nodes NodeLister, queue QueueCounter, meterBuf BufferCounter, log zerolog.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		log:      log.With().Str("service", "metrics").Logger(),
		nodes:    nodes,
		queue:    queue,
		meterBuf: meterBuf,

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published on the internal bus, by type.",
		}, []string{"type"}),
		migrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "migrations_total",
			Help:      "Completed tenant migrations.",
		}, []string{"source", "target"}),
		recoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "recoveries_total",
			Help:      "Tenants placed back on a healthy node after a failure.",
		}, []string{"target"}),
		topupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "topups_total",
			Help:      "Automatic top-up charges that credited the ledger.",
		}, []string{"kind"}),
		nodesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "nodes",
			Help:      "Worker nodes by lifecycle status.",
		}, []string{"status"}),
		nodeCapacityMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "node_capacity_mb",
			Help:      "Advertised capacity per node.",
		}, []string{"node"}),
		nodeUsedMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "node_used_mb",
			Help:      "Capacity consumed per node.",
		}, []string{"node"}),
		notificationDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "queue_depth",
			Help:      "Notification queue entries by status.",
		}, []string{"status"}),
		meterBufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "metering",
			Name:      "buffer_depth",
			Help:      "Meter events buffered in memory awaiting flush.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsTotal,
		m.migrationsTotal,
		m.recoveriesTotal,
		m.topupsTotal,
		m.nodesByStatus,
		m.nodeCapacityMB,
		m.nodeUsedMB,
		m.notificationDepth,
		m.meterBufferDepth,
	)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Wire subscribes the counters to the event bus.
func (m *Metrics) Wire(bus *events.Bus) {
	counted := []events.EventType{
		events.NodeRegistered, events.NodeUnhealthy, events.NodeOffline,
		events.NodeDrained, events.TenantMigrated, events.TenantRecovered,
		events.RecoveryStarted, events.RecoveryFinished,
		events.BalanceDebited, events.TopupTriggered, events.TopupDisabled,
		events.ErrorOccurred,
	}
	for _, eventType := range counted {
		bus.Subscribe(eventType, func(e events.Event) {
			m.eventsTotal.WithLabelValues(string(e.Type)).Inc()
		})
	}

	bus.Subscribe(events.TenantMigrated, func(e events.Event) {
		m.migrationsTotal.WithLabelValues(stringField(e, "source"), stringField(e, "target")).Inc()
	})
	bus.Subscribe(events.TenantRecovered, func(e events.Event) {
		m.recoveriesTotal.WithLabelValues(stringField(e, "target")).Inc()
	})
	bus.Subscribe(events.TopupTriggered, func(e events.Event) {
		m.topupsTotal.WithLabelValues(stringField(e, "type")).Inc()
	})
}

// Refresh recomputes the gauges from live state. Called on a timer so a
// scrape never touches the database.
func (m *Metrics) Refresh() {
	statuses := map[domain.NodeStatus]int{
		domain.NodeActive: 0, domain.NodeDraining: 0, domain.NodeOffline: 0,
		domain.NodeUnhealthy: 0, domain.NodeRecovering: 0,
	}
	for _, node := range m.nodes.List() {
		statuses[node.Status]++
		m.nodeCapacityMB.WithLabelValues(node.ID).Set(float64(node.CapacityMB))
		m.nodeUsedMB.WithLabelValues(node.ID).Set(float64(node.UsedMB))
	}
	for status, count := range statuses {
		m.nodesByStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	depths, err := m.queue.CountByStatus()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to read notification queue depth")
	} else {
		for _, status := range []domain.NotificationStatus{
			domain.NotifyPending, domain.NotifySent, domain.NotifyFailed, domain.NotifyDeadLetter,
		} {
			m.notificationDepth.WithLabelValues(string(status)).Set(float64(depths[status]))
		}
	}

	m.meterBufferDepth.Set(float64(m.meterBuf.BufferedCount()))
}

func stringField(e events.Event, key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return "unknown"
}
