// Package obs wires logging and metrics for both the gateway and the
// control plane.
package obs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects logrus output and verbosity.
type LogConfig struct {
	Level      string `yaml:"level"`       // trace|debug|info|warn|error
	JSONFormat bool   `yaml:"json_format"` // JSON lines instead of text
	File       string `yaml:"file"`        // optional path; rotated
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// SetupLogging configures the global logrus logger.
func SetupLogging(cfg LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.JSONFormat {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
		logrus.SetOutput(io.MultiWriter(os.Stderr, rotated))
	} else {
		logrus.SetOutput(os.Stderr)
	}
}
