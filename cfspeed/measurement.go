package cfspeed

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultHostname = "speed.cloudflare.com"

	downPathTemplate = "/__down?bytes=%d"
	upPath           = "/__up"

	serverTimingHeader = "Server-Timing"
)

var (
	ErrUnexpectedStatus    = errors.New("unexpected HTTP status")
	ErrNonPositiveDuration = errors.New("non-positive transfer duration")

	serverTimingDurPattern = regexp.MustCompile(`dur=([0-9.]+)`)
)

// Requester performs a single timed HTTP request against the speed test endpoint.
type Requester interface {
	Do(ctx context.Context, method string, path string, body []byte) (*TimedSample, error)
}

// Executor is the Requester talking to a real endpoint.
// Every call dials a new connection; nothing is pooled between calls.
type Executor struct {
	BaseURL     string
	Network     string
	DialTimeout time.Duration
	Timeout     time.Duration

	// TLSConfig is only consulted for https endpoints; nil means the defaults.
	TLSConfig *tls.Config
}

func NewExecutor(config *Config) *Executor {
	return &Executor{
		BaseURL:     "https://" + config.Hostname,
		Network:     config.Network,
		DialTimeout: config.DialTimeout,
		Timeout:     config.RequestTimeout,
	}
}

func downPath(size int64) string {
	return fmt.Sprintf(downPathTemplate, size)
}

// newTransport builds a single-use transport dialing over the given network (tcp, tcp4 or tcp6).
// cf. https://go.googlesource.com/go/+/refs/tags/go1.22.1/src/net/http/transport.go#43
func newTransport(network string, dialTimeout time.Duration, tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return (&net.Dialer{
				Timeout: dialTimeout,
			}).DialContext(ctx, network, addr)
		},
		TLSClientConfig:       tlsConfig,
		DisableKeepAlives:     true,
		DisableCompression:    true,
		MaxIdleConns:          1,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// parseServerTiming extracts dur=<ms> from a Server-Timing header value.
// A missing or malformed value yields 0.
func parseServerTiming(value string) time.Duration {
	match := serverTimingDurPattern.FindStringSubmatch(value)
	if match == nil {
		return 0
	}

	durMS, err := strconv.ParseFloat(match[1], 64)
	if err != nil || durMS < 0 {
		return 0
	}

	return time.Duration(durMS * float64(time.Millisecond))
}

func flushHTTPResponse(resp *http.Response) (*countingReader, error) {
	body := &countingReader{reader: resp.Body}

	_, err := io.Copy(io.Discard, body)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	err = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (e *Executor) Do(ctx context.Context, method string, path string, body []byte) (*TimedSample, error) {
	transport := newTransport(e.Network, e.DialTimeout, e.TLSConfig)
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   e.Timeout,
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, e.BaseURL+path, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "could not build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	sample := &TimedSample{}
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if addr, ok := info.Conn.RemoteAddr().(*net.TCPAddr); ok {
				sample.RemoteIP = addr.IP.String()
			}
		},
		GotFirstResponseByte: func() {
			sample.FirstByte = time.Now()
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(ctx, trace))

	sample.Started = time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", method, path)
	}

	flushed, err := flushHTTPResponse(resp)
	if err != nil {
		return nil, errors.Wrap(err, "could not read response body")
	}

	sample.Ended = flushed.lastRead
	if sample.Ended.IsZero() {
		sample.Ended = time.Now()
	}
	if sample.FirstByte.IsZero() || sample.FirstByte.Before(sample.Started) {
		sample.FirstByte = sample.Started
	}
	if sample.Ended.Before(sample.FirstByte) {
		sample.Ended = sample.FirstByte
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrap(ErrUnexpectedStatus, resp.Status)
	}

	sample.ServerDuration = parseServerTiming(resp.Header.Get(serverTimingHeader))
	sample.Size = flushed.size
	if body != nil {
		sample.Size = int64(len(body))
	}

	return sample, nil
}
