package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	svc "github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// program runs serve under the system service manager.
type program struct {
	path   string
	record bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s svc.Service) error {
	cfg, log, err := setup("capmon")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer log.Sync()
		for ctx.Err() == nil {
			if err := serve(ctx, p.path, cfg, log, p.record); err != nil {
				log.Error("serve failed", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(3 * time.Second):
				}
			}
		}
	}()
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
	}
	return nil
}

func serviceCmd() *cobra.Command {
	var name string
	var record bool
	cmd := &cobra.Command{
		Use:       "service <install|uninstall|start|stop|run>",
		Short:     "Manage capmon serve as a system service",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"install", "uninstall", "start", "stop", "run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return handleServiceCmd(args[0], name, record)
		},
	}
	cmd.Flags().StringVar(&name, "name", "capmon", "service name")
	cmd.Flags().BoolVar(&record, "record", false, "record every session under record_dir")
	return cmd
}

func handleServiceCmd(action, name string, record bool) error {
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return err
	}
	cfgPath = abs
	svcArgs := []string{"--config", abs, "service", "run", "--name", name}
	if record {
		svcArgs = append(svcArgs, "--record")
	}
	cfg := &svc.Config{
		Name:        name,
		DisplayName: name,
		Description: "perfcap capture monitor",
		Arguments:   svcArgs,
		Option:      svc.KeyValue{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	p := &program{path: abs, record: record}
	s, err := svc.New(p, cfg)
	if err != nil {
		return err
	}
	switch strings.ToLower(action) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", action)
	}
}
