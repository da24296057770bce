package config

import (
	"fmt"
	"strings"
	"time"

	"vrcap/perfcap/pkg/logging"
	"vrcap/perfcap/pkg/proto"
	"vrcap/perfcap/pkg/stream"
)

type ZeroConfig struct {
	Enable   bool          `mapstructure:"enable" json:"enable"`
	Port     int           `mapstructure:"port" json:"port"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// CaptureConfig configures an instrumented application (the capture server).
type CaptureConfig struct {
	Mode             string         `mapstructure:"mode" json:"mode"` // "remote" or "local"
	OutPath          string         `mapstructure:"out_path" json:"out_path"`
	Flags            []string       `mapstructure:"flags" json:"flags"`
	BufferSize       int            `mapstructure:"buffer_size" json:"buffer_size"`
	FlushPeriod      time.Duration  `mapstructure:"flush_period" json:"flush_period"`
	PortBegin        int            `mapstructure:"port_begin" json:"port_begin"`
	PortEnd          int            `mapstructure:"port_end" json:"port_end"`
	ZeroConfig       ZeroConfig     `mapstructure:"zeroconf" json:"zeroconf"`
	PackageName      string         `mapstructure:"package_name" json:"package_name"`
	HandshakeTimeout time.Duration  `mapstructure:"handshake_timeout" json:"handshake_timeout"`
	WriteTimeout     time.Duration  `mapstructure:"write_timeout" json:"write_timeout"`
	MaxLabels        int            `mapstructure:"max_labels" json:"max_labels"`
	MetricsAddr      string         `mapstructure:"metrics_addr" json:"metrics_addr"`
	Log              logging.Config `mapstructure:"log" json:"log"`
}

func captureDefaults() map[string]any {
	lc := logging.DefaultConfig()
	return map[string]any{
		"mode":              "remote",
		"out_path":          "capture.bin",
		"flags":             []string{"default"},
		"buffer_size":       stream.DefaultBufferSize,
		"flush_period":      4 * time.Millisecond,
		"port_begin":        proto.DefaultPortBegin,
		"port_end":          proto.DefaultPortEnd,
		"zeroconf.enable":   true,
		"zeroconf.port":     proto.ZeroConfigPort,
		"zeroconf.interval": time.Second,
		"package_name":      "",
		"handshake_timeout": 5 * time.Second,
		"write_timeout":     2 * time.Second,
		"max_labels":        0,
		"metrics_addr":      "",
		"log.level":         lc.Level,
		"log.dir":           lc.Dir,
		"log.max_size_mb":   lc.MaxSizeMB,
		"log.max_backups":   lc.MaxBackups,
		"log.max_age_days":  lc.MaxAgeDays,
		"log.json":          lc.JSON,
	}
}

func DefaultCaptureConfig() CaptureConfig {
	cfg, _ := LoadCaptureConfig("")
	return cfg
}

// LoadCaptureConfig reads path (optional) and applies VRCAP_* overrides such
// as VRCAP_MODE, VRCAP_FLAGS=cpu_zones,logging or VRCAP_ZEROCONF_PORT.
func LoadCaptureConfig(path string) (CaptureConfig, error) {
	var cfg CaptureConfig
	if err := load(newViper(captureDefaults()), path, &cfg); err != nil {
		return cfg, err
	}
	// normalize
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.OutPath = strings.TrimSpace(cfg.OutPath)
	cfg.PackageName = strings.TrimSpace(cfg.PackageName)
	cfg.Flags = splitCSV(cfg.Flags)
	return cfg, cfg.Validate()
}

func (c CaptureConfig) Validate() error {
	switch c.Mode {
	case "remote", "local":
	default:
		return fmt.Errorf("config: mode must be remote or local, got %q", c.Mode)
	}
	if c.Mode == "local" && c.OutPath == "" {
		return fmt.Errorf("config: local mode needs out_path")
	}
	if c.PortBegin <= 0 || c.PortEnd <= c.PortBegin || c.PortEnd > 65536 {
		return fmt.Errorf("config: bad port range [%d,%d)", c.PortBegin, c.PortEnd)
	}
	if c.FlushPeriod <= 0 {
		return fmt.Errorf("config: flush_period must be positive")
	}
	if _, err := c.CaptureFlags(); err != nil {
		return err
	}
	return nil
}

// CaptureFlags returns the requested feature mask.
func (c CaptureConfig) CaptureFlags() (proto.Flag, error) {
	return proto.ParseFlags(c.Flags)
}
