package cfspeed

import (
	"context"
	"encoding/json"
	"io"
	"log"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

var labelColors = map[string]color.Attribute{
	string(LabelGreat):     color.FgGreen,
	string(LabelGood):      color.FgGreen,
	string(LabelAverage):   color.FgYellow,
	string(LabelPoor):      color.FgRed,
	string(LabelBad):       color.FgRed,
	string(OverallGreat):   color.FgGreen,
	string(OverallGood):    color.FgGreen,
	string(OverallAverage): color.FgYellow,
	string(OverallPoor):    color.FgRed,
	string(OverallBad):     color.FgRed,
}

func colorize(label string) string {
	attribute, ok := labelColors[label]
	if !ok {
		return label
	}
	return color.New(attribute).Sprint(label)
}

type Report struct {
	*Summary
	Classification *Classification `json:"classification,omitempty"`
}

func printMetadata(printer *log.Logger, summary *Summary) {
	if summary.Server.City != "" || summary.Server.Colo != "" {
		printer.Printf("Server location: %s (%s)\n", summary.Server.City, summary.Server.Colo)
	}
	if summary.Server.IP != "" {
		printer.Printf("Server IP: %s\n", summary.Server.IP)
	}
	if summary.ClientIP != nil {
		if summary.ClientLoc != nil {
			printer.Printf("Your IP: %s (%s)\n", *summary.ClientIP, *summary.ClientLoc)
		} else {
			printer.Printf("Your IP: %s\n", *summary.ClientIP)
		}
	}
}

func printValue(printer *log.Logger, label string, value *float64, unit string, classification *Classification, metric Metric) {
	if value == nil {
		return
	}

	grade := ""
	if classification != nil {
		if metricLabel, ok := classification.PerMetric[metric]; ok {
			grade = " [" + colorize(string(metricLabel)) + "]"
		}
	}
	printer.Printf("%s: %.2f %s%s\n", label, *value, unit, grade)
}

func PrintSummary(printer *log.Logger, summary *Summary, classification *Classification) {
	printer.Println("--- Cloudflare Speed Test Results ---")
	printMetadata(printer, summary)

	printValue(printer, "Ping", summary.Ping, "ms", classification, MetricLatency)
	printValue(printer, "Jitter", summary.Jitter, "ms", classification, MetricJitter)
	printValue(printer, "Download", summary.Download, "Mbps", classification, MetricDownload)
	printValue(printer, "Upload", summary.Upload, "Mbps", classification, MetricUpload)
	printValue(printer, "Packet Loss", summary.PacketLoss, "%", classification, MetricPacketLoss)
	printValue(printer, "Total Duration", summary.TotalDurationMs, "ms", nil, "")

	if classification != nil {
		printer.Printf("Overall: %s\n", colorize(string(classification.Overall)))
	}
}

func NewReport(summary *Summary) *Report {
	return &Report{Summary: summary, Classification: Classify(summary)}
}

func WriteJSON(writer io.Writer, value interface{}) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	return errors.Wrap(encoder.Encode(value), "could not write report")
}

// WriteJSONReports writes one JSON document: the report itself when there is only one,
// otherwise an object keyed by network.
func WriteJSONReports(writer io.Writer, reports map[string]*Report) error {
	if len(reports) == 1 {
		for _, report := range reports {
			return WriteJSON(writer, report)
		}
	}

	return WriteJSON(writer, reports)
}

// RunReport runs a whole session and returns its classified summary.
func RunReport(ctx context.Context, engine *Engine) (*Report, error) {
	summary, err := engine.Run(ctx)
	if err != nil {
		return nil, err
	}

	return NewReport(summary), nil
}

// RunAndPrint runs a whole session and prints its summary, as text or as JSON.
func RunAndPrint(ctx context.Context, printer *log.Logger, engine *Engine, asJSON bool) error {
	report, err := RunReport(ctx, engine)
	if err != nil {
		return err
	}

	if asJSON {
		return WriteJSON(printer.Writer(), report)
	}

	PrintSummary(printer, report.Summary, report.Classification)

	return nil
}
