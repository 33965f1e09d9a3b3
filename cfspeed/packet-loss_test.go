package cfspeed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

// fakePinger fails every probe whose 1-based call number is a multiple of failEvery.
type fakePinger struct {
	delay     time.Duration
	failEvery int64
	calls     atomic.Int64
	inFlight  atomic.Int64
	peak      atomic.Int64
}

func (p *fakePinger) Ping(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	call := p.calls.Add(1)

	current := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if current <= peak || p.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	select {
	case <-time.After(p.delay):
	case <-time.After(timeout):
		return 0, errors.New("timed out")
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	if p.failEvery > 0 && call%p.failEvery == 0 {
		return 0, errors.New("exit status 1")
	}
	return p.delay, nil
}

func TestPacketLossProber_LossRatio(t *testing.T) {
	pinger := &fakePinger{failEvery: 5}
	prober := NewPacketLossProber(pinger, 256, newQuietLogger(), nil)

	result := prober.Measure(context.Background(), 100, time.Second)

	assert.DeepEqual(t, *result, PacketLossResult{LossRatio: 0.2, Sent: 100, Received: 80, Lost: 20})
}

func TestPacketLossProber_NoLoss(t *testing.T) {
	pinger := &fakePinger{}
	prober := NewPacketLossProber(pinger, 256, newQuietLogger(), nil)

	result := prober.Measure(context.Background(), 37, time.Second)

	assert.DeepEqual(t, *result, PacketLossResult{LossRatio: 0, Sent: 37, Received: 37, Lost: 0})
}

func TestPacketLossProber_ZeroProbes(t *testing.T) {
	pinger := &fakePinger{}
	prober := NewPacketLossProber(pinger, 256, newQuietLogger(), nil)

	result := prober.Measure(context.Background(), 0, time.Second)

	assert.DeepEqual(t, *result, PacketLossResult{})
	assert.Equal(t, pinger.calls.Load(), int64(0))
}

func TestPacketLossProber_AllTimeOut(t *testing.T) {
	pinger := &fakePinger{delay: time.Hour}
	prober := NewPacketLossProber(pinger, 256, newQuietLogger(), nil)

	result := prober.Measure(context.Background(), 10, 20*time.Millisecond)

	assert.DeepEqual(t, *result, PacketLossResult{LossRatio: 1, Sent: 10, Received: 0, Lost: 10})
}

func TestPacketLossProber_RunsConcurrently(t *testing.T) {
	probeDelay := 100 * time.Millisecond
	pinger := &fakePinger{delay: probeDelay}
	prober := NewPacketLossProber(pinger, 256, newQuietLogger(), nil)

	start := time.Now()
	result := prober.Measure(context.Background(), 50, time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, result.Received, 50)
	// serialized probing would take 50 * 100ms
	assert.Assert(t, elapsed < 10*probeDelay, "took %v", elapsed)
	assert.Equal(t, pinger.peak.Load(), int64(50))
}

func TestPacketLossProber_DefaultConfigSettlesInOneTimeout(t *testing.T) {
	config := DefaultConfig()
	timeout := 200 * time.Millisecond
	pinger := &fakePinger{delay: 50 * time.Millisecond}
	prober := NewPacketLossProber(pinger, config.PacketLossMaxInFlight, newQuietLogger(), nil)

	start := time.Now()
	result := prober.Measure(context.Background(), config.PacketLossCount, timeout)
	elapsed := time.Since(start)

	assert.Equal(t, result.Received, config.PacketLossCount)
	assert.Equal(t, pinger.peak.Load(), int64(config.PacketLossCount))
	assert.Assert(t, elapsed < 2*timeout, "took %v", elapsed)
}

func TestPacketLossProber_BoundsInFlight(t *testing.T) {
	pinger := &fakePinger{delay: 10 * time.Millisecond}
	prober := NewPacketLossProber(pinger, 4, newQuietLogger(), nil)

	result := prober.Measure(context.Background(), 40, time.Second)

	assert.Equal(t, result.Received, 40)
	assert.Assert(t, pinger.peak.Load() <= 4)
}

func TestPingArgs(t *testing.T) {
	assert.DeepEqual(t, pingArgs("linux", "speed.cloudflare.com", 3000*time.Millisecond),
		[]string{"-c", "1", "-W", "3", "speed.cloudflare.com"})
	assert.DeepEqual(t, pingArgs("linux", "example.com", 500*time.Millisecond),
		[]string{"-c", "1", "-W", "0.5", "example.com"})
	assert.DeepEqual(t, pingArgs("darwin", "example.com", 2*time.Second),
		[]string{"-c", "1", "-W", "2000", "example.com"})
	assert.DeepEqual(t, pingArgs("windows", "example.com", 3*time.Second),
		[]string{"-n", "1", "-w", "3000", "example.com"})
}

func TestExecPinger_SpawnFailureIsAnError(t *testing.T) {
	pinger := &ExecPinger{Host: "127.0.0.1", Command: "/nonexistent/ping", GOOS: "linux"}

	_, err := pinger.Ping(context.Background(), 100*time.Millisecond)

	assert.ErrorContains(t, err, "/nonexistent/ping")
}

func TestPacketLossProber_SpawnFailuresCountAsLost(t *testing.T) {
	pinger := &ExecPinger{Host: "127.0.0.1", Command: "/nonexistent/ping", GOOS: "linux"}
	prober := NewPacketLossProber(pinger, 8, newQuietLogger(), nil)

	result := prober.Measure(context.Background(), 5, 100*time.Millisecond)

	assert.DeepEqual(t, *result, PacketLossResult{LossRatio: 1, Sent: 5, Received: 0, Lost: 5})
}

func TestIPNetworkFor(t *testing.T) {
	assert.Equal(t, ipNetworkFor("tcp4"), "ip4")
	assert.Equal(t, ipNetworkFor("tcp6"), "ip6")
	assert.Equal(t, ipNetworkFor("tcp"), "ip")
}
