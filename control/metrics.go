// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the reactor and the RUDP managers. Every
// collector lives in a private registry so several nodes can coexist in
// one process.

package control

import (
	"github.com/momentics/hioload-rudp/reactor"
	"github.com/momentics/hioload-rudp/rudp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "hioload_rudp"

// Metrics holds every collector of one node.
type Metrics struct {
	reg *prometheus.Registry

	segmentsIn  *prometheus.CounterVec
	segmentsOut *prometheus.CounterVec
	retransmits *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	opened      *prometheus.CounterVec
	closed      *prometheus.CounterVec
	active      *prometheus.GaugeVec

	iterations prometheus.Counter
	batch      prometheus.Histogram
}

var _ reactor.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them, together with the
// Go runtime and process collectors, in a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		segmentsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_received_total",
			Help:      "Decoded segments received, by kind.",
		}, []string{"manager", "kind"}),
		segmentsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sent_total",
			Help:      "Segments queued for sending, by kind.",
		}, []string{"manager", "kind"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Sequenced segments sent again after a timeout.",
		}, []string{"manager", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams or segments discarded, by reason.",
		}, []string{"manager", "reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_segments_total",
			Help:      "Sequenced segments received more than once.",
		}, []string{"manager"}),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Connections that completed the handshake.",
		}, []string{"manager"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections that reached CLOSED, by reason.",
		}, []string{"manager", "reason"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently in the table.",
		}, []string{"manager"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "iterations_total",
			Help:      "Completed reactor iterations.",
		}),
		batch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "batch_size",
			Help:      "Ready descriptors per wait.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
	}
	m.reg.MustRegister(
		m.segmentsIn, m.segmentsOut, m.retransmits, m.dropped, m.duplicates,
		m.opened, m.closed, m.active, m.iterations, m.batch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveBatch records one reactor iteration.
func (m *Metrics) ObserveBatch(events int) {
	m.iterations.Inc()
	m.batch.Observe(float64(events))
}

// Manager returns the sink for one RUDP manager, labelled with name.
func (m *Metrics) Manager(name string) *ManagerMetrics {
	return &ManagerMetrics{m: m, name: name}
}

// ManagerMetrics implements rudp.Metrics for one manager.
type ManagerMetrics struct {
	m    *Metrics
	name string
}

var _ rudp.Metrics = (*ManagerMetrics)(nil)

func (mm *ManagerMetrics) SegmentIn(kind string) {
	mm.m.segmentsIn.WithLabelValues(mm.name, kind).Inc()
}

func (mm *ManagerMetrics) SegmentOut(kind string, retransmit bool) {
	mm.m.segmentsOut.WithLabelValues(mm.name, kind).Inc()
	if retransmit {
		mm.m.retransmits.WithLabelValues(mm.name, kind).Inc()
	}
}

func (mm *ManagerMetrics) Dropped(reason string) {
	mm.m.dropped.WithLabelValues(mm.name, reason).Inc()
}

func (mm *ManagerMetrics) Duplicate()  { mm.m.duplicates.WithLabelValues(mm.name).Inc() }
func (mm *ManagerMetrics) ConnOpened() { mm.m.opened.WithLabelValues(mm.name).Inc() }

func (mm *ManagerMetrics) ConnClosed(reason string) {
	mm.m.closed.WithLabelValues(mm.name, reason).Inc()
}

func (mm *ManagerMetrics) ActiveConns(n int) {
	mm.m.active.WithLabelValues(mm.name).Set(float64(n))
}
