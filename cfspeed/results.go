package cfspeed

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Results accumulates raw measurements of one session. Summary is derived from them on
// every call; nothing derived is cached.
type Results struct {
	mu sync.RWMutex

	id            string
	server        ServerInfo
	clientIP      string
	clientLoc     string
	latency       *LatencyResult
	download      []float64
	upload        []float64
	packetLoss    *PacketLossResult
	totalDuration time.Duration
}

func NewResults() *Results {
	return &Results{
		id:       uuid.NewString(),
		download: []float64{},
		upload:   []float64{},
	}
}

func (r *Results) ID() string {
	return r.id
}

func (r *Results) SetMetadata(metadata *MeasurementMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.server.City = metadata.City
	r.server.Colo = metadata.Colo
	r.clientIP = metadata.ClientIP
	r.clientLoc = metadata.ClientLoc
}

func (r *Results) SetServerIP(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.server.IP = ip
}

func (r *Results) SetLatency(result *LatencyResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latency = result
}

func (r *Results) AddDownload(mbpsSamples ...float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.download = append(r.download, mbpsSamples...)
}

func (r *Results) AddUpload(mbpsSamples ...float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upload = append(r.upload, mbpsSamples...)
}

func (r *Results) SetPacketLoss(result *PacketLossResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.packetLoss = result
}

func (r *Results) SetTotalDuration(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalDuration = duration
}

func float64Ptr(value float64) *float64 {
	return &value
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// Summary projects the raw measurements. A category that never produced a value is nil,
// including a latency run in which every probe failed.
func (r *Results) Summary() *Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := &Summary{
		ID:        r.id,
		Server:    r.server,
		ClientIP:  stringPtr(r.clientIP),
		ClientLoc: stringPtr(r.clientLoc),
		NDownload: len(r.download),
		NUpload:   len(r.upload),
	}

	if len(r.download) > 0 {
		summary.Download = float64Ptr(Quartile(r.download, ThroughputPercentile))
	}
	if len(r.upload) > 0 {
		summary.Upload = float64Ptr(Quartile(r.upload, ThroughputPercentile))
	}

	if r.latency != nil && len(r.latency.Raw) > 0 {
		summary.Ping = float64Ptr(r.latency.Median)
		summary.Jitter = float64Ptr(r.latency.Jitter)
		summary.LatencyMin = float64Ptr(r.latency.Min)
		summary.LatencyMax = float64Ptr(r.latency.Max)
		summary.LatencyAverage = float64Ptr(r.latency.Average)
		summary.NLatency = len(r.latency.Raw)
	}

	if r.packetLoss != nil {
		summary.PacketLoss = float64Ptr(r.packetLoss.LossRatio * 100)
	}

	if r.totalDuration > 0 {
		summary.TotalDurationMs = float64Ptr(getDurationMS(r.totalDuration))
	}

	return summary
}
