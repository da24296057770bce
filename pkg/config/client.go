package config

import (
	"strings"
	"time"

	"vrcap/perfcap/pkg/logging"
	"vrcap/perfcap/pkg/proto"
)

type OTLPConfig struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"` // empty disables export
	Insecure    bool   `mapstructure:"insecure" json:"insecure"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// MonitorConfig configures capmon, the receiving side.
type MonitorConfig struct {
	Target          string         `mapstructure:"target" json:"target"` // host:port; empty means discover
	DNSServers      []string       `mapstructure:"dns_servers" json:"dns_servers"`
	Flags           []string       `mapstructure:"flags" json:"flags"`
	DiscoverTimeout time.Duration  `mapstructure:"discover_timeout" json:"discover_timeout"`
	ZeroConfigPort  int            `mapstructure:"zeroconf_port" json:"zeroconf_port"`
	Listen          string         `mapstructure:"listen" json:"listen"`
	RecordDir       string         `mapstructure:"record_dir" json:"record_dir"`
	Compress        bool           `mapstructure:"compress" json:"compress"`
	ReconnectDelay  time.Duration  `mapstructure:"reconnect_delay" json:"reconnect_delay"`
	OTLP            OTLPConfig     `mapstructure:"otlp" json:"otlp"`
	Log             logging.Config `mapstructure:"log" json:"log"`
}

func monitorDefaults() map[string]any {
	lc := logging.DefaultConfig()
	return map[string]any{
		"target":            "",
		"dns_servers":       []string{},
		"flags":             []string{"default"},
		"discover_timeout":  5 * time.Second,
		"zeroconf_port":     proto.ZeroConfigPort,
		"listen":            ":8080",
		"record_dir":        "captures",
		"compress":          true,
		"reconnect_delay":   3 * time.Second,
		"otlp.endpoint":     "",
		"otlp.insecure":     true,
		"otlp.service_name": "perfcap",
		"log.level":         lc.Level,
		"log.dir":           lc.Dir,
		"log.max_size_mb":   lc.MaxSizeMB,
		"log.max_backups":   lc.MaxBackups,
		"log.max_age_days":  lc.MaxAgeDays,
		"log.json":          lc.JSON,
	}
}

func DefaultMonitorConfig() MonitorConfig {
	cfg, _ := LoadMonitorConfig("")
	return cfg
}

// LoadMonitorConfig reads path (optional) and applies VRCAP_* overrides such
// as VRCAP_TARGET or VRCAP_DNS_SERVERS=10.0.0.1,1.1.1.1.
func LoadMonitorConfig(path string) (MonitorConfig, error) {
	var cfg MonitorConfig
	if err := load(newViper(monitorDefaults()), path, &cfg); err != nil {
		return cfg, err
	}
	// normalize
	cfg.Target = strings.TrimSpace(cfg.Target)
	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.DNSServers = splitCSV(cfg.DNSServers)
	cfg.Flags = splitCSV(cfg.Flags)
	if _, err := proto.ParseFlags(cfg.Flags); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RequestFlags returns the features the monitor asks for.
func (c MonitorConfig) RequestFlags() proto.Flag {
	f, _ := proto.ParseFlags(c.Flags)
	return f
}
