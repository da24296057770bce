package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vrcap/perfcap/pkg/zeroconf"
)

func discoverCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List capture hosts announcing themselves on the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("capmon")
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signalContext()
			defer stop()
			if wait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, wait)
				defer cancel()
			}
			ch, err := zeroconf.Listen(ctx, zeroconfAddr(cfg), log)
			if err != nil {
				return err
			}
			seen := map[string]bool{}
			for a := range ch {
				key := a.Target() + " " + a.PackageName
				if seen[key] {
					continue
				}
				seen[key] = true
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %s\n", a.Target(), a.PackageName)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to listen; 0 listens until interrupted")
	return cmd
}
