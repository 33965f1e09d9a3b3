package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/makotom/cfspeedtest/cfspeed"
)

var (
	BuildName       = "\b"
	BuildAnnotation = "git"
)

type CmdOpts struct {
	testIP4            bool
	testIP6            bool
	showVersionAndExit bool
	jsonOutput         bool
	verbose            bool
	logFormat          string
	configPath         string
	metricsFile        string

	hostname           string
	latencyCount       int
	downloadIterations int
	uploadIterations   int
	packetLossCount    int
	packetLossTimeout  int
	pingMode           string

	runLatency    bool
	runDownload   bool
	runUpload     bool
	runPacketLoss bool
	runServerInfo bool
}

func configureLogger(logger *logrus.Logger, opts *CmdOpts) {
	if opts.logFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	if opts.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
}

// buildConfig merges defaults, the config file and explicitly set flags, in that order.
func buildConfig(opts *CmdOpts, flags *pflag.FlagSet) (*cfspeed.Config, error) {
	config := cfspeed.DefaultConfig()

	if opts.configPath != "" {
		file, err := cfspeed.LoadConfigFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		file.ApplyTo(config)
	}

	if flags.Changed("hostname") {
		config.Hostname = opts.hostname
	}
	if flags.Changed("latency-count") {
		config.LatencyCount = opts.latencyCount
	}
	if flags.Changed("download-iterations") {
		config.DownloadTiers = cfspeed.OverrideIterations(config.DownloadTiers, opts.downloadIterations)
	}
	if flags.Changed("upload-iterations") {
		config.UploadTiers = cfspeed.OverrideIterations(config.UploadTiers, opts.uploadIterations)
	}
	if flags.Changed("packet-loss-count") {
		config.PacketLossCount = opts.packetLossCount
	}
	if flags.Changed("packet-loss-timeout") {
		config.PacketLossTimeout = time.Duration(opts.packetLossTimeout) * time.Millisecond
	}
	if flags.Changed("ping-mode") {
		config.PingMode = cfspeed.PingMode(opts.pingMode)
	}
	if flags.Changed("latency") {
		config.RunLatency = opts.runLatency
	}
	if flags.Changed("download") {
		config.RunDownload = opts.runDownload
	}
	if flags.Changed("upload") {
		config.RunUpload = opts.runUpload
	}
	if flags.Changed("packet-loss") {
		config.RunPacketLoss = opts.runPacketLoss
	}
	if flags.Changed("server-info") {
		config.RunServerInfo = opts.runServerInfo
	}

	return config, config.Validate()
}

func printTimestamp(printer *log.Logger) {
	printer.Println()
	printer.Printf("At: %s\n", time.Now().Format(time.RFC1123Z))
	printer.Println()
}

// runOnce measures over one network. Text reports are printed right away; JSON reports
// are returned so that every network ends up in a single document.
func runOnce(ctx context.Context, opts *CmdOpts, config cfspeed.Config, network string, logger *logrus.Logger, registry *prometheus.Registry) (*cfspeed.Report, error) {
	printer := log.New(os.Stdout, "", 0)
	config.Network = network

	metrics, err := cfspeed.NewMetrics(prometheus.WrapRegistererWith(prometheus.Labels{"network": network}, registry))
	if err != nil {
		return nil, errors.Wrap(err, "could not register metrics")
	}

	engine, err := cfspeed.NewEngine(&config,
		cfspeed.WithLogger(logger.WithField("network", network)),
		cfspeed.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	if opts.jsonOutput {
		return cfspeed.RunReport(ctx, engine)
	}

	printTimestamp(printer)

	return nil, cfspeed.RunAndPrint(ctx, printer, engine, false)
}

func run(cmd *cobra.Command, opts *CmdOpts, logger *logrus.Logger) error {
	if opts.showVersionAndExit {
		fmt.Printf("cfspeedtest %s (%s)\n", BuildName, BuildAnnotation)
		return nil
	}

	configureLogger(logger, opts)

	config, err := buildConfig(opts, cmd.Flags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	networks := []string{}
	// these options are not mutually exclusive
	if opts.testIP4 {
		networks = append(networks, "tcp4")
	}
	if opts.testIP6 {
		networks = append(networks, "tcp6")
	}
	// if none specified, pick up a transport protocol automatically
	if len(networks) == 0 {
		networks = append(networks, config.Network)
	}

	registry := prometheus.NewRegistry()
	reports := map[string]*cfspeed.Report{}
	for _, network := range networks {
		report, err := runOnce(ctx, opts, *config, network, logger, registry)
		if err != nil {
			return errors.Wrapf(err, "speed test over %s failed", network)
		}
		if report != nil {
			reports[network] = report
		}
	}

	if opts.jsonOutput {
		if err := cfspeed.WriteJSONReports(os.Stdout, reports); err != nil {
			return err
		}
	}

	if opts.metricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.metricsFile, registry); err != nil {
			return errors.Wrap(err, "could not write metrics file")
		}
	}

	return nil
}

func newRootCmd(logger *logrus.Logger) *cobra.Command {
	opts := &CmdOpts{}
	defaults := cfspeed.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "cfspeedtest",
		Short:         "Measure latency, throughput and packet loss against Cloudflare",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, logger)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.testIP4, "ip4", "4", false, "Ensure measurements over IPv4")
	flags.BoolVarP(&opts.testIP6, "ip6", "6", false, "Ensure measurements over IPv6")
	flags.BoolVar(&opts.showVersionAndExit, "version", false, "Show version information and exit")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print the report as JSON")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")

	flags.StringVar(&opts.hostname, "hostname", defaults.Hostname, "Speed test endpoint")
	flags.IntVar(&opts.latencyCount, "latency-count", defaults.LatencyCount, "Number of latency probes")
	flags.IntVar(&opts.downloadIterations, "download-iterations", 0, "Iterations per download tier")
	flags.IntVar(&opts.uploadIterations, "upload-iterations", 0, "Iterations per upload tier")
	flags.IntVar(&opts.packetLossCount, "packet-loss-count", defaults.PacketLossCount, "Number of echo probes")
	flags.IntVar(&opts.packetLossTimeout, "packet-loss-timeout", int(defaults.PacketLossTimeout.Milliseconds()), "Timeout of each echo probe in ms")
	flags.StringVar(&opts.pingMode, "ping-mode", string(defaults.PingMode), "Echo implementation: icmp or exec")

	flags.BoolVar(&opts.runLatency, "latency", true, "Measure latency")
	flags.BoolVar(&opts.runDownload, "download", true, "Measure download speed")
	flags.BoolVar(&opts.runUpload, "upload", true, "Measure upload speed")
	flags.BoolVar(&opts.runPacketLoss, "packet-loss", true, "Measure packet loss")
	flags.BoolVar(&opts.runServerInfo, "server-info", true, "Look up server and client metadata")

	return cmd
}

func main() {
	logger := logrus.New()
	if err := newRootCmd(logger).Execute(); err != nil {
		logger.WithError(err).Error("cfspeedtest failed")
		os.Exit(1)
	}
}
