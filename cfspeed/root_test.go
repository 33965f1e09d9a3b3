package cfspeed

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gotest.tools/v3/assert"
)

func newTestConfig() *Config {
	config := DefaultConfig()
	config.LatencyCount = 3
	config.DownloadTiers = []Tier{{PayloadBytes: 10000, Iterations: 2}}
	config.UploadTiers = []Tier{{PayloadBytes: 5000, Iterations: 2}}
	config.PacketLossCount = 10
	config.PacketLossTimeout = time.Second

	return config
}

func newTestEngine(t *testing.T, config *Config, options ...Option) (*Engine, *fakePinger) {
	newConns := int64(0)
	server := newSpeedServer(t, &newConns)
	handleMetadata(server.Config.Handler.(*http.ServeMux), dummyTrace, dummyLocations)

	pinger := &fakePinger{failEvery: 10}
	options = append([]Option{
		WithBaseURL(server.URL),
		WithPinger(pinger),
		WithLogger(newQuietLogger()),
	}, options...)

	engine, err := NewEngine(config, options...)
	assert.NilError(t, err)

	return engine, pinger
}

func TestEngine_Run(t *testing.T) {
	metrics, err := NewMetrics(prometheus.NewRegistry())
	assert.NilError(t, err)
	engine, pinger := newTestEngine(t, newTestConfig(), WithMetrics(metrics))

	summary, err := engine.Run(context.Background())

	assert.NilError(t, err)
	assert.Equal(t, pinger.calls.Load(), int64(10))
	assert.Equal(t, summary.ID, engine.Results().ID())
	assert.Equal(t, summary.Server.Colo, "NRT")
	assert.Equal(t, summary.Server.City, "Tokyo")
	assert.Equal(t, summary.Server.IP, "127.0.0.1")
	assert.Equal(t, *summary.ClientIP, "192.0.2.10")
	assert.Equal(t, summary.NLatency, 3)
	assert.Equal(t, summary.NDownload, 2)
	assert.Equal(t, summary.NUpload, 2)
	assert.Assert(t, *summary.Download > 0)
	// the test server reports dur=5 for 5000 bytes
	assertClose(t, *summary.Upload, 8)
	assertClose(t, *summary.PacketLoss, 10)
	assert.Assert(t, summary.TotalDurationMs != nil)

	assert.Equal(t, testutil.ToFloat64(metrics.probesTotal.WithLabelValues(meterLatency, outcomeSuccess)), 3.0)
	assert.Equal(t, testutil.ToFloat64(metrics.probesTotal.WithLabelValues(meterPacketLoss, outcomeFailure)), 1.0)
	assertClose(t, testutil.ToFloat64(metrics.result.WithLabelValues(string(MetricUpload))), 8)

	assert.DeepEqual(t, engine.Summary(), engine.Summary())
}

func TestEngine_RunSkipsDisabledCategories(t *testing.T) {
	config := newTestConfig()
	config.RunServerInfo = false
	config.RunDownload = false
	config.RunPacketLoss = false
	engine, pinger := newTestEngine(t, config)

	summary, err := engine.Run(context.Background())

	assert.NilError(t, err)
	assert.Equal(t, pinger.calls.Load(), int64(0))
	assert.Assert(t, summary.Download == nil)
	assert.Assert(t, summary.PacketLoss == nil)
	assert.Assert(t, summary.ClientIP == nil)
	assert.Assert(t, summary.Ping != nil)
	assert.Assert(t, summary.Upload != nil)
}

func TestEngine_RunDownloadAccumulatesTiers(t *testing.T) {
	engine, _ := newTestEngine(t, newTestConfig())

	first, err := engine.RunDownload(context.Background(), []Tier{{PayloadBytes: 1000, Iterations: 2}})
	assert.NilError(t, err)
	second, err := engine.RunDownload(context.Background(), []Tier{{PayloadBytes: 2000, Iterations: 3}})
	assert.NilError(t, err)

	assert.Equal(t, len(first), 2)
	assert.Equal(t, len(second), 3)
	assert.Equal(t, engine.Summary().NDownload, 5)
}

func TestEngine_RunPacketLossZeroProbes(t *testing.T) {
	engine, pinger := newTestEngine(t, newTestConfig())

	result, err := engine.RunPacketLoss(context.Background(), 0, time.Second)

	assert.NilError(t, err)
	assert.Equal(t, result.LossRatio, 0.0)
	assert.Equal(t, pinger.calls.Load(), int64(0))
	assert.Equal(t, *engine.Summary().PacketLoss, 0.0)
}

func TestEngine_UnresolvableHost(t *testing.T) {
	engine, err := NewEngine(newTestConfig(),
		WithBaseURL("http://cfspeed-test.invalid"),
		WithLogger(newQuietLogger()),
	)
	assert.NilError(t, err)

	_, err = engine.RunLatency(context.Background(), 3)

	assert.ErrorContains(t, err, "could not resolve cfspeed-test.invalid")
	assert.Assert(t, engine.Summary().Ping == nil)
}

func TestEngine_MetadataFailureAbortsRun(t *testing.T) {
	var requests atomic.Int64
	requester := &countingRequester{count: &requests}
	engine, err := NewEngine(newTestConfig(),
		WithBaseURL("http://127.0.0.1:1"),
		WithRequester(requester),
		WithLogger(newQuietLogger()),
	)
	assert.NilError(t, err)

	_, err = engine.Run(context.Background())

	assert.ErrorContains(t, err, "could not fetch metadata")
	assert.Equal(t, requests.Load(), int64(0))
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	config := newTestConfig()
	config.Network = "udp"

	_, err := NewEngine(config)

	assert.ErrorContains(t, err, "network must be tcp, tcp4 or tcp6")
}

type countingRequester struct {
	count *atomic.Int64
}

func (r *countingRequester) Do(context.Context, string, string, []byte) (*TimedSample, error) {
	r.count.Add(1)
	return newSample(time.Millisecond, time.Millisecond, time.Millisecond), nil
}

func TestRunAndPrint_JSON(t *testing.T) {
	config := newTestConfig()
	config.RunPacketLoss = false
	engine, _ := newTestEngine(t, config)
	buffer := &bytes.Buffer{}

	err := RunAndPrint(context.Background(), log.New(buffer, "", 0), engine, true)
	assert.NilError(t, err)

	report := map[string]interface{}{}
	assert.NilError(t, json.Unmarshal(buffer.Bytes(), &report))
	assert.Equal(t, report["id"], engine.Results().ID())
	assert.Equal(t, report["packetLoss"], nil)
	assert.Equal(t, report["clientIp"], "192.0.2.10")
	assert.Assert(t, report["classification"] != nil)
}

func TestWriteJSONReports(t *testing.T) {
	single := &bytes.Buffer{}
	assert.NilError(t, WriteJSONReports(single, map[string]*Report{
		"tcp": NewReport(&Summary{ID: "a", Download: float64Ptr(120)}),
	}))

	report := map[string]interface{}{}
	assert.NilError(t, json.Unmarshal(single.Bytes(), &report))
	assert.Equal(t, report["id"], "a")

	both := &bytes.Buffer{}
	assert.NilError(t, WriteJSONReports(both, map[string]*Report{
		"tcp4": NewReport(&Summary{ID: "a"}),
		"tcp6": NewReport(&Summary{ID: "b"}),
	}))

	// a single document, not one per network
	reports := map[string]map[string]interface{}{}
	assert.NilError(t, json.Unmarshal(both.Bytes(), &reports))
	assert.Equal(t, len(reports), 2)
	assert.Equal(t, reports["tcp4"]["id"], "a")
	assert.Equal(t, reports["tcp6"]["id"], "b")
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true
	buffer := &bytes.Buffer{}
	summary := &Summary{
		Download:   float64Ptr(120),
		Ping:       float64Ptr(12.5),
		PacketLoss: float64Ptr(0),
		Server:     ServerInfo{City: "Tokyo", Colo: "NRT"},
	}

	PrintSummary(log.New(buffer, "", 0), summary, Classify(summary))

	output := buffer.String()
	assert.Assert(t, strings.Contains(output, "Server location: Tokyo (NRT)\n"), output)
	assert.Assert(t, strings.Contains(output, "Ping: 12.50 ms [good]\n"), output)
	assert.Assert(t, strings.Contains(output, "Download: 120.00 Mbps [great]\n"), output)
	assert.Assert(t, strings.Contains(output, "Packet Loss: 0.00 % [great]\n"), output)
	assert.Assert(t, !strings.Contains(output, "Upload"), output)
	assert.Assert(t, strings.Contains(output, "Overall: Great\n"), output)
}
