package cfspeed

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type PingMode string

const (
	// PingModeICMP sends echo requests from this process.
	PingModeICMP PingMode = "icmp"
	// PingModeExec spawns the system ping command once per probe.
	PingModeExec PingMode = "exec"
)

const (
	defaultNetwork               = "tcp"
	defaultDialTimeout           = 10 * time.Second
	defaultRequestTimeout        = 30 * time.Second
	defaultLatencyCount          = 20
	defaultPacketLossCount       = 1000
	defaultPacketLossTimeout     = 3000 * time.Millisecond
	defaultPacketLossMaxInFlight = 0

	maxProbeCount = 100000
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config enumerates every option of a speed test session.
type Config struct {
	// Hostname of the speed test endpoint. Default: speed.cloudflare.com.
	Hostname string
	// Network used to dial: tcp, tcp4 or tcp6. Default: tcp.
	Network string
	// DialTimeout bounds connection setup of each request. Default: 10s.
	DialTimeout time.Duration
	// RequestTimeout bounds each request as a whole. Default: 30s.
	RequestTimeout time.Duration

	// LatencyCount is the number of latency probes. Default: 20.
	LatencyCount int
	// DownloadTiers default to 101000x5, 1001000x4, 10001000x2.
	DownloadTiers []Tier
	// UploadTiers default to 11000x5, 101000x4.
	UploadTiers []Tier

	// PacketLossCount is the number of echo probes. Default: 1000.
	PacketLossCount int
	// PacketLossTimeout bounds every single echo probe. Default: 3000ms.
	PacketLossTimeout time.Duration
	// PacketLossMaxInFlight caps concurrently running probes; 0 sends all of them at once.
	// Default: 0.
	PacketLossMaxInFlight int
	// PingMode selects the echo implementation. Default: icmp.
	PingMode PingMode

	// Toggles of the measurement categories run by Engine.Run. All default to true.
	RunServerInfo bool
	RunLatency    bool
	RunDownload   bool
	RunUpload     bool
	RunPacketLoss bool
}

func DefaultConfig() *Config {
	return &Config{
		Hostname:       DefaultHostname,
		Network:        defaultNetwork,
		DialTimeout:    defaultDialTimeout,
		RequestTimeout: defaultRequestTimeout,

		LatencyCount: defaultLatencyCount,
		DownloadTiers: []Tier{
			{PayloadBytes: 101000, Iterations: 5},
			{PayloadBytes: 1001000, Iterations: 4},
			{PayloadBytes: 10001000, Iterations: 2},
		},
		UploadTiers: []Tier{
			{PayloadBytes: 11000, Iterations: 5},
			{PayloadBytes: 101000, Iterations: 4},
		},

		PacketLossCount:       defaultPacketLossCount,
		PacketLossTimeout:     defaultPacketLossTimeout,
		PacketLossMaxInFlight: defaultPacketLossMaxInFlight,
		PingMode:              PingModeICMP,

		RunServerInfo: true,
		RunLatency:    true,
		RunDownload:   true,
		RunUpload:     true,
		RunPacketLoss: true,
	}
}

// OverrideIterations returns a copy of tiers with every iteration count set to iterations.
func OverrideIterations(tiers []Tier, iterations int) []Tier {
	ret := make([]Tier, len(tiers))
	for index, tier := range tiers {
		ret[index] = Tier{PayloadBytes: tier.PayloadBytes, Iterations: iterations}
	}

	return ret
}

func validateTiers(label string, tiers []Tier) error {
	for _, tier := range tiers {
		if tier.PayloadBytes <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s tier payload must be positive, got %d", label, tier.PayloadBytes)
		}
		if tier.Iterations < 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s tier iterations must not be negative, got %d", label, tier.Iterations)
		}
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.Wrap(ErrInvalidConfig, "hostname is required")
	}
	if c.Network != "tcp" && c.Network != "tcp4" && c.Network != "tcp6" {
		return errors.Wrapf(ErrInvalidConfig, "network must be tcp, tcp4 or tcp6, got %q", c.Network)
	}
	if c.DialTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "timeouts must be positive")
	}
	if c.LatencyCount < 0 || c.LatencyCount > maxProbeCount {
		return errors.Wrapf(ErrInvalidConfig, "latency count must be 0-%d, got %d", maxProbeCount, c.LatencyCount)
	}
	if c.PacketLossCount < 0 || c.PacketLossCount > maxProbeCount {
		return errors.Wrapf(ErrInvalidConfig, "packet loss count must be 0-%d, got %d", maxProbeCount, c.PacketLossCount)
	}
	if c.PacketLossTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "packet loss timeout must be positive")
	}
	if c.PacketLossMaxInFlight < 0 {
		return errors.Wrap(ErrInvalidConfig, "packet loss max in flight must not be negative")
	}
	if c.PingMode != PingModeICMP && c.PingMode != PingModeExec {
		return errors.Wrapf(ErrInvalidConfig, "ping mode must be icmp or exec, got %q", c.PingMode)
	}
	if err := validateTiers("download", c.DownloadTiers); err != nil {
		return err
	}

	return validateTiers("upload", c.UploadTiers)
}

// ConfigFile is the YAML representation of Config. Absent keys leave the defaults untouched.
type ConfigFile struct {
	Hostname              *string   `yaml:"hostname"`
	Network               *string   `yaml:"network"`
	DialTimeoutMS         *int      `yaml:"dial_timeout_ms"`
	RequestTimeoutMS      *int      `yaml:"request_timeout_ms"`
	LatencyCount          *int      `yaml:"latency_count"`
	DownloadTiers         []Tier    `yaml:"download_tiers"`
	UploadTiers           []Tier    `yaml:"upload_tiers"`
	DownloadIterations    *int      `yaml:"download_iterations"`
	UploadIterations      *int      `yaml:"upload_iterations"`
	PacketLossCount       *int      `yaml:"packet_loss_count"`
	PacketLossTimeoutMS   *int      `yaml:"packet_loss_timeout_ms"`
	PacketLossMaxInFlight *int      `yaml:"packet_loss_max_in_flight"`
	PingMode              *PingMode `yaml:"ping_mode"`
	ServerInfo            *bool     `yaml:"server_info"`
	Latency               *bool     `yaml:"latency"`
	Download              *bool     `yaml:"download"`
	Upload                *bool     `yaml:"upload"`
	PacketLoss            *bool     `yaml:"packet_loss"`
}

// ParseConfigFile decodes YAML, rejecting keys that ConfigFile does not know.
func ParseConfigFile(reader io.Reader) (*ConfigFile, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	file := &ConfigFile{}
	if err := decoder.Decode(file); err != nil {
		if err == io.EOF {
			return file, nil
		}
		return nil, errors.Wrap(err, "could not parse config file")
	}

	return file, nil
}

func LoadConfigFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read config file")
	}

	return ParseConfigFile(bytes.NewReader(data))
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ApplyTo overrides config field by field with every key present in the file.
func (f *ConfigFile) ApplyTo(config *Config) {
	if f.Hostname != nil {
		config.Hostname = *f.Hostname
	}
	if f.Network != nil {
		config.Network = *f.Network
	}
	if f.DialTimeoutMS != nil {
		config.DialTimeout = msDuration(*f.DialTimeoutMS)
	}
	if f.RequestTimeoutMS != nil {
		config.RequestTimeout = msDuration(*f.RequestTimeoutMS)
	}
	if f.LatencyCount != nil {
		config.LatencyCount = *f.LatencyCount
	}
	if f.DownloadTiers != nil {
		config.DownloadTiers = f.DownloadTiers
	}
	if f.UploadTiers != nil {
		config.UploadTiers = f.UploadTiers
	}
	if f.DownloadIterations != nil {
		config.DownloadTiers = OverrideIterations(config.DownloadTiers, *f.DownloadIterations)
	}
	if f.UploadIterations != nil {
		config.UploadTiers = OverrideIterations(config.UploadTiers, *f.UploadIterations)
	}
	if f.PacketLossCount != nil {
		config.PacketLossCount = *f.PacketLossCount
	}
	if f.PacketLossTimeoutMS != nil {
		config.PacketLossTimeout = msDuration(*f.PacketLossTimeoutMS)
	}
	if f.PacketLossMaxInFlight != nil {
		config.PacketLossMaxInFlight = *f.PacketLossMaxInFlight
	}
	if f.PingMode != nil {
		config.PingMode = *f.PingMode
	}
	if f.ServerInfo != nil {
		config.RunServerInfo = *f.ServerInfo
	}
	if f.Latency != nil {
		config.RunLatency = *f.Latency
	}
	if f.Download != nil {
		config.RunDownload = *f.Download
	}
	if f.Upload != nil {
		config.RunUpload = *f.Upload
	}
	if f.PacketLoss != nil {
		config.RunPacketLoss = *f.PacketLoss
	}
}
