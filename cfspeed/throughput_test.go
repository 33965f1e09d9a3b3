package cfspeed

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func TestDownloadMbps(t *testing.T) {
	mbps, err := downloadMbps(1000*1000, newSample(5*time.Millisecond, 80*time.Millisecond, 0))

	assert.NilError(t, err)
	assertClose(t, mbps, 100)
}

func TestDownloadMbps_ZeroTransit(t *testing.T) {
	_, err := downloadMbps(1000, newSample(5*time.Millisecond, 0, 0))

	assert.Assert(t, errors.Is(err, ErrNonPositiveDuration))
}

func TestUploadMbps(t *testing.T) {
	// client-side transit is ignored for uploads
	mbps, err := uploadMbps(500*1000, newSample(5*time.Millisecond, 300*time.Millisecond, 40*time.Millisecond))

	assert.NilError(t, err)
	assertClose(t, mbps, 100)
}

func TestUploadMbps_NoServerTiming(t *testing.T) {
	_, err := uploadMbps(1000, newSample(5*time.Millisecond, 10*time.Millisecond, 0))

	assert.Assert(t, errors.Is(err, ErrNonPositiveDuration))
}

func TestThroughputMeter_DownloadTiers(t *testing.T) {
	requester := &fakeRequester{responses: []fakeResponse{
		{sample: newSample(time.Millisecond, 80*time.Millisecond, 0)},
		{err: errors.New("connection refused")},
		{sample: newSample(time.Millisecond, 40*time.Millisecond, 0)},
	}}
	meter := NewThroughputMeter(DirectionDownlink, requester, newQuietLogger(), nil)

	mbpsSamples := meter.Run(context.Background(), []Tier{
		{PayloadBytes: 1000 * 1000, Iterations: 3},
		{PayloadBytes: 2000 * 1000, Iterations: 1},
	})

	assert.Equal(t, len(requester.calls), 4)
	assert.Equal(t, requester.calls[0], fakeCall{method: "GET", path: "/__down?bytes=1000000"})
	assert.Equal(t, requester.calls[3], fakeCall{method: "GET", path: "/__down?bytes=2000000"})
	assert.Equal(t, len(mbpsSamples), 3)
	assertClose(t, mbpsSamples[0], 100)
	assertClose(t, mbpsSamples[1], 200)
	assertClose(t, mbpsSamples[2], 200)
}

func TestThroughputMeter_Upload(t *testing.T) {
	requester := &fakeRequester{responses: []fakeResponse{
		{sample: newSample(time.Millisecond, time.Second, 8*time.Millisecond)},
		{sample: newSample(time.Millisecond, time.Second, 0)},
	}}
	meter := NewThroughputMeter(DirectionUplink, requester, newQuietLogger(), nil)

	mbpsSamples := meter.Measure(context.Background(), 101000, 4)

	assert.Equal(t, len(requester.calls), 4)
	assert.Equal(t, requester.calls[0], fakeCall{method: "POST", path: "/__up", size: 101000})
	assert.Equal(t, len(mbpsSamples), 2)
	assertClose(t, mbpsSamples[0], 101)
}

func TestThroughputMeter_KeepsNoState(t *testing.T) {
	requester := &fakeRequester{responses: []fakeResponse{
		{sample: newSample(time.Millisecond, 80*time.Millisecond, 0)},
	}}
	meter := NewThroughputMeter(DirectionDownlink, requester, newQuietLogger(), nil)

	first := meter.Measure(context.Background(), 1000*1000, 2)
	second := meter.Measure(context.Background(), 1000*1000, 1)

	assert.Equal(t, len(first), 2)
	assert.Equal(t, len(second), 1)
}

func TestThroughputMeter_ZeroIterations(t *testing.T) {
	requester := &fakeRequester{responses: []fakeResponse{{err: errors.New("unused")}}}
	meter := NewThroughputMeter(DirectionDownlink, requester, newQuietLogger(), nil)

	assert.DeepEqual(t, meter.Run(context.Background(), []Tier{{PayloadBytes: 1000, Iterations: 0}}), []float64{})
	assert.Equal(t, len(requester.calls), 0)
}
