package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Options selects level, format and destination of a logger.
type Options struct {
	Level  string // debug, info, warn, error. Empty means info.
	Format string // text or json. Empty means text.
	Output io.Writer
}

// New builds a logrus logger. Unknown levels and formats are errors so a typo
// in the config file does not silently fall back to defaults.
func New(opts Options) (*logrus.Logger, error) { // A
	log := logrus.New()

	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	log.SetOutput(opts.Output)

	level := logrus.InfoLevel
	if opts.Level != "" {
		var err error
		level, err = logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
	}
	log.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	return log, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger { // A
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
