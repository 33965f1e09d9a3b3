package cfspeed

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	meterLatency    = "latency"
	meterDownload   = "download"
	meterUpload     = "upload"
	meterPacketLoss = "packet_loss"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics exposes probe outcomes and summary values as Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	probesTotal *prometheus.CounterVec
	result      *prometheus.GaugeVec
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfspeed_probes_total",
				Help: "Number of probes issued, by meter and outcome",
			},
			[]string{"meter", "outcome"},
		),
		result: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cfspeed_result",
				Help: "Latest summary value by metric (ms, Mbps or percent)",
			},
			[]string{"metric"},
		),
	}

	for _, collector := range []prometheus.Collector{m.probesTotal, m.result} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observeProbe(meter string, ok bool) {
	if m == nil {
		return
	}

	outcome := outcomeSuccess
	if !ok {
		outcome = outcomeFailure
	}
	m.probesTotal.WithLabelValues(meter, outcome).Inc()
}

// ObserveSummary publishes every non-nil summary value.
func (m *Metrics) ObserveSummary(summary *Summary) {
	if m == nil || summary == nil {
		return
	}

	for metric, value := range summaryValues(summary) {
		m.result.WithLabelValues(metric).Set(value)
	}
}
