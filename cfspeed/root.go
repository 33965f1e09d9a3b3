package cfspeed

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Engine drives the meters of one session and folds their results into Results.
// It is not safe for concurrent use.
type Engine struct {
	config  *Config
	baseURL string
	logger  logrus.FieldLogger
	metrics *Metrics
	results *Results

	requester  Requester
	pinger     Pinger
	httpClient *http.Client
	resolved   bool
	ownsPinger bool

	latency  *LatencyMeter
	download *ThroughputMeter
	upload   *ThroughputMeter
}

type Option func(*Engine)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithBaseURL points the engine at another endpoint, e.g. http://127.0.0.1:8080.
func WithBaseURL(baseURL string) Option {
	return func(e *Engine) {
		e.baseURL = baseURL
	}
}

func WithRequester(requester Requester) Option {
	return func(e *Engine) {
		e.requester = requester
	}
}

func WithPinger(pinger Pinger) Option {
	return func(e *Engine) {
		e.pinger = pinger
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = client
	}
}

// serverIPRecorder remembers the address that answered the timed requests.
type serverIPRecorder struct {
	Requester
	results *Results
}

func (r *serverIPRecorder) Do(ctx context.Context, method string, path string, body []byte) (*TimedSample, error) {
	sample, err := r.Requester.Do(ctx, method, path, body)
	if err == nil && sample.RemoteIP != "" {
		r.results.SetServerIP(sample.RemoteIP)
	}

	return sample, err
}

func NewEngine(config *Config, options ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:  config,
		baseURL: "https://" + config.Hostname,
		logger:  logrus.StandardLogger(),
		results: NewResults(),
	}
	for _, option := range options {
		option(e)
	}

	if e.requester == nil {
		executor := NewExecutor(config)
		executor.BaseURL = e.baseURL
		e.requester = executor
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{
			Transport: newTransport(config.Network, config.DialTimeout, nil),
			Timeout:   config.RequestTimeout,
		}
	}

	requester := &serverIPRecorder{Requester: e.requester, results: e.results}
	e.latency = NewLatencyMeter(requester, e.logger, e.metrics)
	e.download = NewThroughputMeter(DirectionDownlink, requester, e.logger, e.metrics)
	e.upload = NewThroughputMeter(DirectionUplink, requester, e.logger, e.metrics)

	return e, nil
}

func (e *Engine) Results() *Results {
	return e.results
}

func (e *Engine) Summary() *Summary {
	return e.results.Summary()
}

func (e *Engine) host() string {
	parsed, err := url.Parse(e.baseURL)
	if err != nil || parsed.Hostname() == "" {
		return e.config.Hostname
	}
	return parsed.Hostname()
}

// resolve fails the run early when the endpoint cannot be resolved at all.
func (e *Engine) resolve(ctx context.Context) error {
	if e.resolved {
		return nil
	}

	addrs, err := net.DefaultResolver.LookupIP(ctx, ipNetworkFor(e.config.Network), e.host())
	if err != nil {
		return errors.Wrapf(err, "could not resolve %s", e.host())
	}
	if len(addrs) == 0 {
		return errors.Wrap(ErrNoAddress, e.host())
	}

	e.resolved = true
	return nil
}

func (e *Engine) FetchMetadata(ctx context.Context) (*MeasurementMetadata, error) {
	metadata, err := FetchMeasurementMetadata(ctx, e.httpClient, e.baseURL)
	if err != nil {
		return nil, err
	}
	e.results.SetMetadata(metadata)

	return metadata, nil
}

func (e *Engine) RunLatency(ctx context.Context, probeCount int) (*LatencyResult, error) {
	if err := e.resolve(ctx); err != nil {
		return nil, err
	}

	result := e.latency.Measure(ctx, probeCount)
	e.results.SetLatency(result)

	return result, nil
}

func (e *Engine) RunDownload(ctx context.Context, tiers []Tier) ([]float64, error) {
	if err := e.resolve(ctx); err != nil {
		return nil, err
	}

	mbpsSamples := e.download.Run(ctx, tiers)
	e.results.AddDownload(mbpsSamples...)

	return mbpsSamples, nil
}

func (e *Engine) RunUpload(ctx context.Context, tiers []Tier) ([]float64, error) {
	if err := e.resolve(ctx); err != nil {
		return nil, err
	}

	mbpsSamples := e.upload.Run(ctx, tiers)
	e.results.AddUpload(mbpsSamples...)

	return mbpsSamples, nil
}

func (e *Engine) getPinger(ctx context.Context) (Pinger, error) {
	if e.pinger != nil {
		return e.pinger, nil
	}

	if e.config.PingMode == PingModeExec {
		e.pinger = NewExecPinger(e.host())
		return e.pinger, nil
	}

	pinger, err := NewICMPPinger(ctx, e.host(), e.config.Network)
	if err != nil {
		return nil, err
	}
	e.pinger = pinger
	e.ownsPinger = true

	return e.pinger, nil
}

func (e *Engine) RunPacketLoss(ctx context.Context, probeCount int, timeout time.Duration) (*PacketLossResult, error) {
	pinger, err := e.getPinger(ctx)
	if err != nil {
		return nil, err
	}

	if closer, ok := pinger.(io.Closer); ok && e.ownsPinger {
		defer closer.Close()
	}

	prober := NewPacketLossProber(pinger, e.config.PacketLossMaxInFlight, e.logger, e.metrics)
	result := prober.Measure(ctx, probeCount, timeout)
	e.results.SetPacketLoss(result)

	return result, nil
}

// Run performs every measurement category enabled in the config and returns the summary.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	if e.config.RunServerInfo {
		metadata, err := e.FetchMetadata(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "could not fetch metadata")
		}
		e.logger.WithFields(logrus.Fields{
			"colo": metadata.Colo,
			"city": metadata.City,
		}).Info("server located")
	}

	if e.config.RunLatency {
		e.logger.Info("measuring latency")
		if _, err := e.RunLatency(ctx, e.config.LatencyCount); err != nil {
			return nil, errors.Wrap(err, "latency measurement failed")
		}
	}

	if e.config.RunDownload {
		e.logger.Info("measuring download speed")
		if _, err := e.RunDownload(ctx, e.config.DownloadTiers); err != nil {
			return nil, errors.Wrap(err, "download measurement failed")
		}
	}

	if e.config.RunUpload {
		e.logger.Info("measuring upload speed")
		if _, err := e.RunUpload(ctx, e.config.UploadTiers); err != nil {
			return nil, errors.Wrap(err, "upload measurement failed")
		}
	}

	if e.config.RunPacketLoss {
		e.logger.Info("measuring packet loss")
		if _, err := e.RunPacketLoss(ctx, e.config.PacketLossCount, e.config.PacketLossTimeout); err != nil {
			return nil, errors.Wrap(err, "packet loss measurement failed")
		}
	}

	e.results.SetTotalDuration(time.Since(start))

	summary := e.results.Summary()
	e.metrics.ObserveSummary(summary)

	return summary, nil
}
