package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vrcap/perfcap/pkg/monitor"
)

func recordCmd() *cobra.Command {
	var dir string
	var compress bool
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one capture session to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("capmon")
			if err != nil {
				return err
			}
			defer log.Sync()
			if cmd.Flags().Changed("dir") {
				cfg.RecordDir = dir
			}
			if cmd.Flags().Changed("compress") {
				cfg.Compress = compress
			}

			ctx, stop := signalContext()
			defer stop()
			addr, name, err := resolveTarget(ctx, cfg, log)
			if err != nil {
				return err
			}
			conn, err := monitor.Dial(ctx, addr, cfg.RequestFlags(), dialOptions(cfg, log, nil))
			if err != nil {
				return err
			}
			defer conn.Close()
			context.AfterFunc(ctx, func() { conn.Close() })

			rec, err := monitor.Recorder{Dir: cfg.RecordDir, Compress: cfg.Compress}.Create(name)
			if err != nil {
				return err
			}
			if err := conn.Record(rec); err != nil {
				rec.Close()
				return err
			}
			log.Info("recording", zap.String("path", rec.Path), zap.Stringer("flags", conn.Header.Flags))

			var n int
			for {
				_, err = conn.Next()
				if err != nil {
					break
				}
				n++
			}
			if cerr := rec.Close(); cerr != nil {
				return cerr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d packets\n", rec.Path, n)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (overrides record_dir)")
	cmd.Flags().BoolVar(&compress, "compress", true, "zstd-compress the recording")
	return cmd
}
