package fmcci

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cxlfabric/switchd/cxlpacket"
)

// Metrics bundles the Executor's prometheus collectors, following the
// teacher's pkg/exporter/exporter.go TCPInfoCollector pattern of wrapping
// connection/command state behind prometheus.Collector-satisfying types
// (a CounterVec/Histogram already implements that interface) rather than
// hand-rolling gauge bookkeeping.
type Metrics struct {
	CommandsTotal  *prometheus.CounterVec
	CommandLatency *prometheus.HistogramVec
	NotifySent     prometheus.Counter
}

// NewMetrics constructs a fresh, unregistered Metrics. The caller (cmd's
// process wiring) registers it with whatever prometheus.Registerer the
// process uses.
func NewMetrics() *Metrics {
	return &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cxlswitch",
			Subsystem: "fmcci",
			Name:      "commands_total",
			Help:      "Total CCI commands processed by opcode and return code.",
		}, []string{"opcode", "return_code"}),
		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cxlswitch",
			Subsystem: "fmcci",
			Name:      "command_duration_seconds",
			Help:      "CCI command handling latency by opcode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"opcode"}),
		NotifySent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxlswitch",
			Subsystem: "fmcci",
			Name:      "notify_sent_total",
			Help:      "Total vendor Notify requests sent to the Fabric Manager.",
		}),
	}
}

// Collectors returns every collector for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.CommandsTotal, m.CommandLatency, m.NotifySent}
}

// ObserveCommand records one dispatched command's opcode, return code, and
// latency.
func (m *Metrics) ObserveCommand(opcode cxlpacket.CCIOpcode, rc cxlpacket.ReturnCode, d time.Duration) {
	opStr := opcodeLabel(opcode)
	m.CommandsTotal.WithLabelValues(opStr, rcLabel(rc)).Inc()
	m.CommandLatency.WithLabelValues(opStr).Observe(d.Seconds())
}

func opcodeLabel(opcode cxlpacket.CCIOpcode) string { return opcode.String() }

func rcLabel(rc cxlpacket.ReturnCode) string { return rc.String() }
