package cfspeed

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// LatencyMeter estimates network latency with zero-byte downloads.
type LatencyMeter struct {
	requester Requester
	logger    logrus.FieldLogger
	metrics   *Metrics
}

func NewLatencyMeter(requester Requester, logger logrus.FieldLogger, metrics *Metrics) *LatencyMeter {
	return &LatencyMeter{
		requester: requester,
		logger:    logger.WithField("meter", meterLatency),
		metrics:   metrics,
	}
}

// Measure issues probeCount sequential probes. Failed probes are logged and left out;
// if none succeeds every statistic is 0.
func (m *LatencyMeter) Measure(ctx context.Context, probeCount int) *LatencyResult {
	samples := []float64{}

	for iter := 0; iter < probeCount; iter += 1 {
		if ctx.Err() != nil {
			m.logger.WithError(ctx.Err()).Warn("latency run interrupted")
			break
		}

		sample, err := m.requester.Do(ctx, http.MethodGet, downPath(0), nil)
		m.metrics.observeProbe(meterLatency, err == nil)
		if err != nil {
			m.logger.WithError(err).WithField("iteration", iter).Warn("latency probe failed")
			continue
		}

		samples = append(samples, getDurationMS(sample.NetworkLatency()))
	}

	m.logger.WithField("samples", len(samples)).Debug("latency run finished")

	return getLatencyResult(samples)
}
