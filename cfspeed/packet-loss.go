package cfspeed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PacketLossProber estimates loss from independent, concurrently running echo probes.
type PacketLossProber struct {
	pinger      Pinger
	maxInFlight int
	logger      logrus.FieldLogger
	metrics     *Metrics
}

// NewPacketLossProber returns a prober running at most maxInFlight probes at a time;
// maxInFlight <= 0 runs every probe of a Measure call at once.
func NewPacketLossProber(pinger Pinger, maxInFlight int, logger logrus.FieldLogger, metrics *Metrics) *PacketLossProber {
	return &PacketLossProber{
		pinger:      pinger,
		maxInFlight: maxInFlight,
		logger:      logger.WithField("meter", meterPacketLoss),
		metrics:     metrics,
	}
}

func getPacketLossResult(sent int, received int) *PacketLossResult {
	ret := &PacketLossResult{
		Sent:     sent,
		Received: received,
		Lost:     sent - received,
	}
	if sent > 0 {
		ret.LossRatio = float64(ret.Lost) / float64(sent)
	}

	return ret
}

// Measure sends probeCount probes, each bounded by timeout, and waits for all of them
// to settle. Probes never cancel each other; an error of any kind counts as lost.
func (p *PacketLossProber) Measure(ctx context.Context, probeCount int, timeout time.Duration) *PacketLossResult {
	if probeCount <= 0 {
		return getPacketLossResult(0, 0)
	}

	var received atomic.Int64
	group := &errgroup.Group{}
	if p.maxInFlight > 0 {
		group.SetLimit(p.maxInFlight)
	}

	for iter := 0; iter < probeCount; iter += 1 {
		iter := iter
		group.Go(func() error {
			_, err := p.pinger.Ping(ctx, timeout)
			p.metrics.observeProbe(meterPacketLoss, err == nil)
			if err != nil {
				p.logger.WithError(err).WithField("probe", iter).Debug("echo probe lost")
				return nil
			}

			received.Add(1)
			return nil
		})
	}
	group.Wait()

	ret := getPacketLossResult(probeCount, int(received.Load()))
	p.logger.WithFields(logrus.Fields{
		"sent": ret.Sent,
		"lost": ret.Lost,
	}).Debug("packet loss run finished")

	return ret
}
