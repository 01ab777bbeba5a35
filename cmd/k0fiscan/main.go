package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/timson/k0fiscan"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		noProgress bool
		noCache    bool
		timeout    time.Duration
		flags      k0fiscan.Config
	)

	cmd := &cobra.Command{
		Use:           "k0fiscan",
		Short:         "k0fiscan: fast, concurrent TCP port scanner",
		Version:       k0fiscan.AppVersion,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := k0fiscan.LoadDotEnv(".env"); err != nil {
				return report(err)
			}

			config := k0fiscan.DefaultConfig()
			if configPath != "" {
				loaded, err := k0fiscan.LoadConfig(configPath)
				if err != nil {
					return report(err)
				}
				config = loaded
			}
			if err := config.ApplyEnv(os.LookupEnv); err != nil {
				return report(err)
			}

			// Flags given on the command line win over file and environment.
			set := cmd.Flags().Changed
			if set("target") {
				config.Target = flags.Target
			}
			if set("network") {
				config.Network = flags.Network
			}
			if set("start-ip") {
				config.StartIP = flags.StartIP
			}
			if set("end-ip") {
				config.EndIP = flags.EndIP
			}
			if set("list") {
				config.IPList = flags.IPList
			}
			if set("port-range") {
				config.PortRange = flags.PortRange
			}
			if set("top-ports") {
				config.TopPorts = flags.TopPorts
			}
			if set("max-tasks") {
				config.MaxTasks = flags.MaxTasks
			}
			if set("output") {
				config.Output = flags.Output
			}
			if set("timeout") {
				config.ProbeTimeoutMillis = int(timeout / time.Millisecond)
			}
			if set("services-file") {
				config.ServicesFile = flags.ServicesFile
			}
			if set("pdf") {
				config.PDFReport = flags.PDFReport
			}
			if set("log-level") {
				config.LogLevel = flags.LogLevel
			}
			if set("log-dir") {
				config.LogDir = flags.LogDir
			}
			if set("metrics") {
				config.MetricsEnabled = flags.MetricsEnabled
			}
			if set("metrics-port") {
				config.MetricsPort = flags.MetricsPort
			}
			if noProgress {
				config.ShowProgress = false
			}
			if noCache {
				config.EnableCaching = false
			}

			return report(k0fiscan.Run(cmd.Context(), config))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.Target, "target", "t", "", "single target IP address")
	f.StringVarP(&flags.Network, "network", "n", "", "target network in CIDR notation")
	f.StringVarP(&flags.StartIP, "start-ip", "s", "", "first address of a target range (needs --end-ip)")
	f.StringVarP(&flags.EndIP, "end-ip", "e", "", "last address of a target range (needs --start-ip)")
	f.StringVarP(&flags.IPList, "list", "l", "", "comma-separated list of addresses or host names")
	cmd.MarkFlagsMutuallyExclusive("target", "network", "start-ip", "list")
	cmd.MarkFlagsMutuallyExclusive("target", "network", "end-ip", "list")
	cmd.MarkFlagsRequiredTogether("start-ip", "end-ip")

	f.StringVarP(&flags.PortRange, "port-range", "p", "", "ports to scan as <start:end>")
	f.Float64VarP(&flags.TopPorts, "top-ports", "x", 10, "scan the most common ports, percentage 0-100")
	f.IntVarP(&flags.MaxTasks, "max-tasks", "m", k0fiscan.DefaultMaxConcurrency, "maximum concurrent probes")
	f.StringVarP(&flags.Output, "output", "o", k0fiscan.OutputTable, "output format: table or json")
	f.DurationVar(&timeout, "timeout", k0fiscan.DefaultProbeTimeout, "per-probe connect timeout")
	f.StringVar(&flags.ServicesFile, "services-file", "", "nmap-services file to use instead of the built-in database")
	f.StringVar(&flags.PDFReport, "pdf", "", "also write a PDF report to this file")

	f.StringVarP(&configPath, "config", "c", "", "path to a JSON configuration file")
	f.StringVar(&flags.LogLevel, "log-level", "warn", "log level: debug, info, warn, error")
	f.StringVar(&flags.LogDir, "log-dir", "", "directory for log files")
	f.BoolVar(&flags.MetricsEnabled, "metrics", false, "serve Prometheus metrics while scanning")
	f.StringVar(&flags.MetricsPort, "metrics-port", "9464", "port for the metrics server")
	f.BoolVar(&noProgress, "no-progress", false, "do not draw the progress bar")
	f.BoolVar(&noCache, "no-cache", false, "disable the host name cache")

	return cmd
}

func report(err error) error {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}
