package cfspeed

import (
	"time"
)

type Direction string

const (
	DirectionDownlink Direction = "download"
	DirectionUplink   Direction = "upload"
)

// TimedSample holds the timestamps of a single request.
// Started <= FirstByte <= Ended always holds for samples produced by Executor.
type TimedSample struct {
	Started        time.Time
	FirstByte      time.Time
	Ended          time.Time
	ServerDuration time.Duration

	RemoteIP string
	Size     int64
}

// NetworkLatency is the time to first byte minus the server's own processing time.
func (s *TimedSample) NetworkLatency() time.Duration {
	return s.FirstByte.Sub(s.Started) - s.ServerDuration
}

// TransitTime is the time between the first and the last byte of the response.
func (s *TimedSample) TransitTime() time.Duration {
	return s.Ended.Sub(s.FirstByte)
}

type LatencyResult struct {
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Average float64   `json:"average"`
	Median  float64   `json:"median"`
	Jitter  float64   `json:"jitter"`
	Raw     []float64 `json:"raw"`
}

// Tier is one payload size of a throughput run.
type Tier struct {
	PayloadBytes int64 `yaml:"payload_bytes" json:"payloadBytes"`
	Iterations   int   `yaml:"iterations" json:"iterations"`
}

type PacketLossResult struct {
	LossRatio float64 `json:"lossRatio"`
	Sent      int     `json:"sent"`
	Received  int     `json:"received"`
	Lost      int     `json:"lost"`
}

type ServerInfo struct {
	City string `json:"city,omitempty"`
	Colo string `json:"colo,omitempty"`
	IP   string `json:"ip,omitempty"`
}

type MeasurementMetadata struct {
	ClientIP  string
	ClientLoc string
	Colo      string
	City      string
}

type Summary struct {
	ID string `json:"id"`

	Download *float64 `json:"download"`
	Upload   *float64 `json:"upload"`

	Ping           *float64 `json:"ping"`
	Jitter         *float64 `json:"jitter"`
	LatencyMin     *float64 `json:"latencyMin"`
	LatencyMax     *float64 `json:"latencyMax"`
	LatencyAverage *float64 `json:"latencyAverage"`

	PacketLoss *float64 `json:"packetLoss"`

	Server          ServerInfo `json:"server"`
	ClientIP        *string    `json:"clientIp"`
	ClientLoc       *string    `json:"clientLoc,omitempty"`
	TotalDurationMs *float64   `json:"totalDurationMs"`

	NLatency  int `json:"latencySamples"`
	NDownload int `json:"downloadSamples"`
	NUpload   int `json:"uploadSamples"`
}
