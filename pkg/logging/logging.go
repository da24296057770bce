// Package logging builds the zap loggers used by the perfcap binaries:
// console output plus an optional rotating log file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string `mapstructure:"level" json:"level"`
	Dir        string `mapstructure:"dir" json:"dir"` // empty disables the file sink
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	JSON       bool   `mapstructure:"json" json:"json"`
}

func DefaultConfig() Config {
	return Config{Level: "info", MaxSizeMB: 20, MaxBackups: 5, MaxAgeDays: 7}
}

// New returns a logger writing to stdout and, when cfg.Dir is set, to
// <dir>/<app>.log rotated by lumberjack. VRCAP_LOG_MAX_SIZE_MB,
// VRCAP_LOG_MAX_BACKUPS and VRCAP_LOG_MAX_AGE_DAYS override the rotation
// settings.
func New(app string, cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		w := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, app+".log"),
			MaxSize:    getEnvInt("VRCAP_LOG_MAX_SIZE_MB", cfg.MaxSizeMB),
			MaxBackups: getEnvInt("VRCAP_LOG_MAX_BACKUPS", cfg.MaxBackups),
			MaxAge:     getEnvInt("VRCAP_LOG_MAX_AGE_DAYS", cfg.MaxAgeDays),
		}
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(w), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named(app), nil
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
