package cfspeed

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ThroughputMeter measures download or upload bitrate, one tier at a time.
// It keeps no samples between calls; callers collect what Measure and Run return.
type ThroughputMeter struct {
	direction Direction
	requester Requester
	logger    logrus.FieldLogger
	metrics   *Metrics
}

func NewThroughputMeter(direction Direction, requester Requester, logger logrus.FieldLogger, metrics *Metrics) *ThroughputMeter {
	return &ThroughputMeter{
		direction: direction,
		requester: requester,
		logger:    logger.WithField("meter", string(direction)),
		metrics:   metrics,
	}
}

func (m *ThroughputMeter) meterName() string {
	if m.direction == DirectionUplink {
		return meterUpload
	}
	return meterDownload
}

// downloadMbps times the body transfer as measured by the client.
func downloadMbps(size int64, sample *TimedSample) (float64, error) {
	transit := sample.TransitTime()
	if transit <= 0 {
		return 0, errors.Wrapf(ErrNonPositiveDuration, "transit time %v", transit)
	}

	return getBitrateMbps(size, transit), nil
}

// uploadMbps trusts the server-reported duration, since the client cannot tell when
// the server finished receiving.
func uploadMbps(size int64, sample *TimedSample) (float64, error) {
	if sample.ServerDuration <= 0 {
		return 0, errors.Wrapf(ErrNonPositiveDuration, "server duration %v", sample.ServerDuration)
	}

	return getBitrateMbps(size, sample.ServerDuration), nil
}

func (m *ThroughputMeter) measureOnce(ctx context.Context, payloadBytes int64, payload []byte) (float64, error) {
	if m.direction == DirectionUplink {
		sample, err := m.requester.Do(ctx, http.MethodPost, upPath, payload)
		if err != nil {
			return 0, err
		}
		return uploadMbps(payloadBytes, sample)
	}

	sample, err := m.requester.Do(ctx, http.MethodGet, downPath(payloadBytes), nil)
	if err != nil {
		return 0, err
	}
	return downloadMbps(payloadBytes, sample)
}

// Measure runs iterations sequential transfers of payloadBytes and returns the bitrates
// (Mbps) of the successful ones.
func (m *ThroughputMeter) Measure(ctx context.Context, payloadBytes int64, iterations int) []float64 {
	mbpsSamples := []float64{}

	var payload []byte
	if m.direction == DirectionUplink {
		payload = make([]byte, payloadBytes)
	}

	logger := m.logger.WithField("bytes", payloadBytes)
	for iter := 0; iter < iterations; iter += 1 {
		if ctx.Err() != nil {
			logger.WithError(ctx.Err()).Warn("throughput run interrupted")
			break
		}

		mbps, err := m.measureOnce(ctx, payloadBytes, payload)
		m.metrics.observeProbe(m.meterName(), err == nil)
		if err != nil {
			logger.WithError(err).WithField("iteration", iter).Warn("throughput measurement failed")
			continue
		}

		mbpsSamples = append(mbpsSamples, mbps)
	}

	return mbpsSamples
}

// Run measures every tier in order and returns all samples as one flat sequence.
func (m *ThroughputMeter) Run(ctx context.Context, tiers []Tier) []float64 {
	mbpsSamples := []float64{}

	for _, tier := range tiers {
		mbpsSamples = append(mbpsSamples, m.Measure(ctx, tier.PayloadBytes, tier.Iterations)...)
	}

	return mbpsSamples
}
