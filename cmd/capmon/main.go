// Command capmon is the receiving side of perfcap: it discovers capture
// hosts, records sessions, dumps recordings and serves a live view.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vrcap/perfcap/pkg/config"
	"vrcap/perfcap/pkg/logging"
	"vrcap/perfcap/pkg/metrics"
	"vrcap/perfcap/pkg/monitor"
	"vrcap/perfcap/pkg/zeroconf"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "capmon",
	Short: "Live monitor and recorder for perfcap capture hosts",
	Long: `capmon connects to applications instrumented with perfcap.

Hosts are found through the zero-config broadcast unless a target is
configured. Settings come from the config file, then VRCAP_* variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config/capmon.yaml", "config file (json, yaml or toml); missing is fine")
	rootCmd.AddCommand(discoverCmd(), recordCmd(), dumpCmd(), serveCmd(), serviceCmd())
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and builds the logger for app.
func setup(app string) (config.MonitorConfig, *zap.Logger, error) {
	cfg, err := config.LoadMonitorConfig(cfgPath)
	if err != nil {
		return cfg, nil, err
	}
	log, err := logging.New(app, cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func zeroconfAddr(cfg config.MonitorConfig) string {
	return fmt.Sprintf(":%d", cfg.ZeroConfigPort)
}

// resolveTarget returns the configured target or the first host heard on
// the zero-config port, and a name for recordings.
func resolveTarget(ctx context.Context, cfg config.MonitorConfig, log *zap.Logger) (addr, name string, err error) {
	if cfg.Target != "" {
		return cfg.Target, cfg.Target, nil
	}
	timeout := cfg.DiscoverTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	a, err := zeroconf.Discover(dctx, zeroconfAddr(cfg), log)
	if err != nil {
		return "", "", err
	}
	log.Info("capture host discovered", zap.String("target", a.Target()), zap.String("package", a.PackageName))
	name = a.PackageName
	if name == "" {
		name = a.Addr.String()
	}
	return a.Target(), name, nil
}

func dialOptions(cfg config.MonitorConfig, log *zap.Logger, m *metrics.Monitor) monitor.DialOptions {
	opts := monitor.DialOptions{Logger: log, Metrics: m}
	if len(cfg.DNSServers) > 0 {
		opts.Resolver = monitor.NewResolver(cfg.DNSServers, 2*time.Second, 30*time.Second, log)
	}
	return opts
}
