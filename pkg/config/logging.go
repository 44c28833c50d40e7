package config

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. When the TUI owns the terminal, log
// output goes to log_file or is discarded. The returned closer releases the
// log file, if any.
func (c *Config) NewLogger(tuiActive bool) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	switch c.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			DisableColors: c.NoColor,
		})
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	var closer io.Closer = io.NopCloser(nil)
	switch {
	case c.LogFile != "":
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(f)
		closer = f
	case tuiActive:
		logger.SetOutput(io.Discard)
	default:
		logger.SetOutput(os.Stderr)
	}
	return logger, closer, nil
}
