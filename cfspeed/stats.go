package cfspeed

import (
	"math"
	"sort"
	"time"
)

// ThroughputPercentile is the percentile reported for download and upload.
const ThroughputPercentile = 0.9

// All functions below return 0 for an empty series.

func Average(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}

	sum := float64(0)
	for _, element := range series {
		sum += element
	}

	return sum / float64(len(series))
}

func getSortedCopy(series []float64) []float64 {
	sorted := make([]float64, len(series))
	copy(sorted, series)
	sort.Float64s(sorted)

	return sorted
}

func Median(series []float64) float64 {
	seriesLen := len(series)
	if seriesLen == 0 {
		return 0
	}

	sorted := getSortedCopy(series)
	half := seriesLen / 2

	if seriesLen%2 == 1 {
		return sorted[half]
	}

	return (sorted[half-1] + sorted[half]) / 2
}

// Quartile returns the linearly interpolated p-quantile (0 <= p <= 1) of series.
func Quartile(series []float64, p float64) float64 {
	if len(series) == 0 {
		return 0
	}

	sorted := getSortedCopy(series)
	pos := float64(len(sorted)-1) * p
	base := int(math.Floor(pos))
	rest := pos - float64(base)

	if base < 0 {
		return sorted[0]
	}
	if base+1 < len(sorted) {
		return sorted[base] + rest*(sorted[base+1]-sorted[base])
	}

	return sorted[len(sorted)-1]
}

// Jitter is the mean absolute difference of temporally adjacent samples.
// series must be in measurement order; it is never sorted here.
func Jitter(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}

	sum := float64(0)
	for index := 0; index < len(series)-1; index += 1 {
		sum += math.Abs(series[index] - series[index+1])
	}

	return sum / float64(len(series)-1)
}

func Min(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}

	ret := math.Inf(1)
	for _, element := range series {
		ret = math.Min(ret, element)
	}

	return ret
}

func Max(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}

	ret := math.Inf(-1)
	for _, element := range series {
		ret = math.Max(ret, element)
	}

	return ret
}

func getDurationMS(duration time.Duration) float64 {
	return float64(duration.Microseconds()) / 1000
}

func getLatencyResult(samples []float64) *LatencyResult {
	raw := make([]float64, len(samples))
	copy(raw, samples)

	return &LatencyResult{
		Min:     Min(raw),
		Max:     Max(raw),
		Average: Average(raw),
		Median:  Median(raw),
		Jitter:  Jitter(raw),
		Raw:     raw,
	}
}

// getBitrateMbps converts size bytes transferred over duration into megabits per second.
func getBitrateMbps(size int64, duration time.Duration) float64 {
	return float64(size*8) / duration.Seconds() / 1e6
}
