// Command capdemo is a small instrumented application: it runs a fake
// render loop and exposes it to capmon through remote or local capture.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vrcap/perfcap/pkg/capture"
	"vrcap/perfcap/pkg/config"
	"vrcap/perfcap/pkg/logging"
)

func main() {
	var cfgPath string
	var fps int
	var duration time.Duration
	cmd := &cobra.Command{
		Use:          "capdemo",
		Short:        "Instrumented demo application for perfcap",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCaptureConfig(cfgPath)
			if err != nil {
				return err
			}
			log, err := logging.New("capdemo", cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return run(ctx, cfg, log, fps)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "config/capdemo.yaml", "config file (json, yaml or toml); missing is fine")
	cmd.Flags().IntVar(&fps, "fps", 72, "frames per second")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long; 0 runs until interrupted")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func options(cfg config.CaptureConfig, log *zap.Logger, reg prometheus.Registerer) capture.Options {
	opts := capture.DefaultOptions()
	opts.Logger = log
	opts.Metrics = reg
	opts.BufferSize = cfg.BufferSize
	opts.FlushPeriod = cfg.FlushPeriod
	opts.PortBegin, opts.PortEnd = cfg.PortBegin, cfg.PortEnd
	opts.ZeroConfigPort = cfg.ZeroConfig.Port
	if !cfg.ZeroConfig.Enable {
		opts.ZeroConfigPort = 0
	}
	opts.ZeroConfigInterval = cfg.ZeroConfig.Interval
	opts.PackageName = cfg.PackageName
	opts.HandshakeTimeout = cfg.HandshakeTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.MaxLabels = cfg.MaxLabels
	return opts
}

func run(ctx context.Context, cfg config.CaptureConfig, log *zap.Logger, fps int) error {
	var reg prometheus.Registerer
	if cfg.MetricsAddr != "" {
		r := prometheus.NewRegistry()
		r.MustRegister(collectors.NewGoCollector())
		reg = r
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}
	if err := capture.Configure(options(cfg, log, reg)); err != nil {
		return err
	}
	flags, err := cfg.CaptureFlags()
	if err != nil {
		return err
	}
	onConnect := func(f capture.Flag) { log.Info("monitor attached", zap.Stringer("flags", f)) }
	onDisconnect := func() { log.Info("monitor detached") }
	switch cfg.Mode {
	case "local":
		err = capture.InitForLocalCapture(cfg.OutPath, flags, onConnect, onDisconnect)
	default:
		err = capture.InitForRemoteCapture(flags, onConnect, onDisconnect)
		if err == nil {
			log.Info("waiting for monitor", zap.Stringer("addr", capture.Default().Addr()))
		}
	}
	if err != nil {
		return err
	}
	defer capture.Shutdown()

	if fps <= 0 {
		fps = 72
	}
	sc := newScene(log)
	t := time.NewTicker(time.Second / time.Duration(fps))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopping", zap.Uint64("frames", sc.frame))
			return nil
		case <-t.C:
			sc.step()
		}
	}
}
