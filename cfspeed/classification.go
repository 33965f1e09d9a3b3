package cfspeed

import (
	"math"
	"sort"
)

type Label string

// Labels ordered from worst to best.
const (
	LabelBad     Label = "bad"
	LabelPoor    Label = "poor"
	LabelAverage Label = "average"
	LabelGood    Label = "good"
	LabelGreat   Label = "great"
)

var labelsWorstToBest = []Label{LabelBad, LabelPoor, LabelAverage, LabelGood, LabelGreat}

type Overall string

const (
	OverallGreat         Overall = "Great"
	OverallGood          Overall = "Good"
	OverallAverage       Overall = "Average"
	OverallPoor          Overall = "Poor"
	OverallBad           Overall = "Bad"
	OverallNotApplicable Overall = "N/A"
)

type Metric string

const (
	MetricPacketLoss Metric = "packetLoss"
	MetricLatency    Metric = "latency"
	MetricJitter     Metric = "jitter"
	MetricDownload   Metric = "download"
	MetricUpload     Metric = "upload"
)

type Polarity int

const (
	LowerIsBetter Polarity = iota
	HigherIsBetter
)

// Scale buckets a metric value: the bucket index is the number of thresholds <= value.
// Thresholds are ascending and one fewer than the labels.
type Scale struct {
	Metric     Metric
	Thresholds []float64
	Polarity   Polarity
}

var scales = []Scale{
	{Metric: MetricPacketLoss, Thresholds: []float64{0.01, 0.05, 0.25, 0.5}, Polarity: LowerIsBetter}, // percent
	{Metric: MetricLatency, Thresholds: []float64{10, 20, 50, 100}, Polarity: LowerIsBetter},          // ms
	{Metric: MetricJitter, Thresholds: []float64{5, 10, 25, 50}, Polarity: LowerIsBetter},             // ms
	{Metric: MetricDownload, Thresholds: []float64{10, 25, 50, 100}, Polarity: HigherIsBetter},        // Mbps
	{Metric: MetricUpload, Thresholds: []float64{5, 10, 25, 50}, Polarity: HigherIsBetter},            // Mbps
}

var labelPoints = map[Label]float64{
	LabelGreat:   5,
	LabelGood:    3,
	LabelAverage: 1,
	LabelPoor:    -1,
	LabelBad:     -3,
}

type Classification struct {
	Overall   Overall          `json:"overall"`
	Score     float64          `json:"score"`
	PerMetric map[Metric]Label `json:"perMetric"`
}

func (s *Scale) Classify(value float64) Label {
	index := sort.Search(len(s.Thresholds), func(i int) bool {
		return s.Thresholds[i] > value
	})

	if s.Polarity == LowerIsBetter {
		return labelsWorstToBest[len(labelsWorstToBest)-1-index]
	}
	return labelsWorstToBest[index]
}

// ClassifyMetric labels a single value; ok is false for unknown metrics.
func ClassifyMetric(metric Metric, value float64) (Label, bool) {
	for index := range scales {
		if scales[index].Metric == metric {
			return scales[index].Classify(value), true
		}
	}

	return "", false
}

func getOverall(score float64) Overall {
	switch {
	case score >= 4:
		return OverallGreat
	case score >= 2:
		return OverallGood
	case score >= 0:
		return OverallAverage
	case score >= -2:
		return OverallPoor
	default:
		return OverallBad
	}
}

// summaryValues returns the classifiable values present in summary.
func summaryValues(summary *Summary) map[string]float64 {
	ret := map[string]float64{}

	for metric, value := range map[Metric]*float64{
		MetricPacketLoss: summary.PacketLoss,
		MetricLatency:    summary.Ping,
		MetricJitter:     summary.Jitter,
		MetricDownload:   summary.Download,
		MetricUpload:     summary.Upload,
	} {
		if value != nil {
			ret[string(metric)] = *value
		}
	}

	return ret
}

// Classify labels every metric present in summary and averages their points into an
// overall label. Absent or NaN metrics are skipped.
func Classify(summary *Summary) *Classification {
	ret := &Classification{
		Overall:   OverallNotApplicable,
		PerMetric: map[Metric]Label{},
	}
	if summary == nil {
		return ret
	}

	values := summaryValues(summary)
	points := float64(0)

	for index := range scales {
		value, ok := values[string(scales[index].Metric)]
		if !ok || math.IsNaN(value) {
			continue
		}

		label := scales[index].Classify(value)
		ret.PerMetric[scales[index].Metric] = label
		points += labelPoints[label]
	}

	if len(ret.PerMetric) > 0 {
		ret.Score = points / float64(len(ret.PerMetric))
		ret.Overall = getOverall(ret.Score)
	}

	return ret
}
