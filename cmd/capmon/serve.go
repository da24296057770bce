package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vrcap/perfcap/pkg/config"
	"vrcap/perfcap/pkg/monitor"
)

func serveCmd() *cobra.Command {
	var record bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep a session open and serve it over HTTP and websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("capmon")
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, stop := signalContext()
			defer stop()
			return serve(ctx, cfgPath, cfg, log, record)
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "record every session under record_dir")
	return cmd
}

// serve runs the hub until ctx ends.
func serve(ctx context.Context, path string, cfg config.MonitorConfig, log *zap.Logger, record bool) error {
	h := newHub(cfg, log)
	h.record = record
	exp, err := monitor.NewZoneExporter(ctx, cfg.OTLP, log)
	if err != nil {
		log.Warn("zone export disabled", zap.Error(err))
	}
	h.export = exp
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.export.Shutdown(sctx)
	}()

	srv := &http.Server{Addr: cfg.Listen, Handler: h.handleAPI(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info("capmon listening", zap.String("addr", cfg.Listen), zap.Bool("record", record))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	if path != "" {
		go watchConfig(ctx, path, h)
	}
	go h.run(ctx)

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// watchConfig reloads path when it changes. Editors often write a file in
// several steps, so events are debounced.
func watchConfig(ctx context.Context, path string, h *hub) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		h.log.Warn("config watcher failed", zap.Error(err))
		return
	}
	defer w.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		h.log.Warn("config path", zap.Error(err))
		return
	}
	// watch the directory so renames and re-creates are seen
	if err := w.Add(filepath.Dir(abs)); err != nil {
		h.log.Warn("config watch failed", zap.String("dir", filepath.Dir(abs)), zap.Error(err))
		return
	}
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && filepath.Base(ev.Name) == filepath.Base(abs) {
				debounce = time.After(500 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			cfg, err := config.LoadMonitorConfig(abs)
			if err != nil {
				h.log.Warn("reload config failed", zap.Error(err))
				continue
			}
			h.setConfig(cfg)
			h.log.Info("config reloaded", zap.String("path", abs))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.log.Warn("config watch error", zap.Error(err))
		}
	}
}
