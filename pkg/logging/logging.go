// Package logging builds the hclog loggers shared by the broker and the
// consensus engine.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/PJLys/rmqtt/config"
)

// New builds the root logger described by cfg. The returned closer releases
// the log file when one is configured.
func New(name string, cfg config.LoggingConfig) (hclog.Logger, io.Closer, error) {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		return nil, nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     out,
		JSONFormat: strings.EqualFold(cfg.Format, "json"),
	})
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Badger adapts an hclog.Logger to badger's printf-style logger interface.
type Badger struct {
	L hclog.Logger
}

func (b Badger) Errorf(format string, args ...interface{}) {
	b.L.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b Badger) Warningf(format string, args ...interface{}) {
	b.L.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b Badger) Infof(format string, args ...interface{}) {
	b.L.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b Badger) Debugf(format string, args ...interface{}) {
	b.L.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
