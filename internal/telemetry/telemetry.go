// Package telemetry exposes the dataplane's cumulative counters as
// Prometheus metrics. It is additive observability next to the OpenFlow
// multipart statistics: the bridge reports into it, and
// nothing in the dataplane ever reads it back.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-bridge collectors. All vectors are labeled by
// datapath id so one process hosting several bridges shares a registry.
type Metrics struct {
	lookups   *prometheus.CounterVec
	matches   *prometheus.CounterVec
	cacheHits *prometheus.CounterVec
	drops     *prometheus.CounterVec
	emits     *prometheus.CounterVec
	meterDrop *prometheus.CounterVec
	flows     *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dpcore_table_lookups_total",
			Help: "Flow table lookups, per bridge and table.",
		}, []string{"dpid", "table"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dpcore_table_matches_total",
			Help: "Flow table lookups that matched a flow entry.",
		}, []string{"dpid", "table"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dpcore_flow_cache_hits_total",
			Help: "Packets resolved from the flow cache without a table walk.",
		}, []string{"dpid"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dpcore_packet_drops_total",
			Help: "Packets dropped by table miss, meter band or TTL check.",
		}, []string{"dpid", "reason"}),
		emits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dpcore_packet_emits_total",
			Help: "Frames handed to the egress side of packet I/O.",
		}, []string{"dpid"}),
		meterDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dpcore_meter_drops_total",
			Help: "Packets dropped by a meter DROP band.",
		}, []string{"dpid", "meter"}),
		flows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dpcore_flows",
			Help: "Flow entries currently installed, per bridge and table.",
		}, []string{"dpid", "table"}),
	}

	reg.MustRegister(m.lookups, m.matches, m.cacheHits, m.drops,
		m.emits, m.meterDrop, m.flows)
	return m
}

func dpidLabel(dpid uint64) string {
	return strconv.FormatUint(dpid, 16)
}

// Lookup accounts one table lookup, matched or not.
func (m *Metrics) Lookup(dpid uint64, table uint8, matched bool) {
	d, t := dpidLabel(dpid), strconv.Itoa(int(table))
	m.lookups.WithLabelValues(d, t).Inc()
	if matched {
		m.matches.WithLabelValues(d, t).Inc()
	}
}

// CacheHit accounts one packet resolved from the flow cache.
func (m *Metrics) CacheHit(dpid uint64) {
	m.cacheHits.WithLabelValues(dpidLabel(dpid)).Inc()
}

// Drop accounts one dropped packet with its reason.
func (m *Metrics) Drop(dpid uint64, reason string) {
	m.drops.WithLabelValues(dpidLabel(dpid), reason).Inc()
}

// Emit accounts n frames sent toward packet I/O.
func (m *Metrics) Emit(dpid uint64, n int) {
	m.emits.WithLabelValues(dpidLabel(dpid)).Add(float64(n))
}

// MeterDrop accounts one packet dropped by a meter band.
func (m *Metrics) MeterDrop(dpid uint64, meter uint32) {
	m.meterDrop.WithLabelValues(dpidLabel(dpid),
		strconv.FormatUint(uint64(meter), 10)).Inc()
}

// SetFlowCount records the current number of flows in a table.
func (m *Metrics) SetFlowCount(dpid uint64, table uint8, n int) {
	m.flows.WithLabelValues(dpidLabel(dpid), strconv.Itoa(int(table))).Set(float64(n))
}
