package logger

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds the JSON production logger at verbosity. An empty verbosity means info.
func New(verbosity string) (*zap.Logger, error) {
	return build(zap.NewProductionConfig(), verbosity)
}

// NewWithFormat builds a logger for the given output format. The console format is meant
// for interactive commands and skips stack traces on warnings.
func NewWithFormat(verbosity, format string) (*zap.Logger, error) {
	switch format {
	case "", FormatJSON:
		return New(verbosity)
	case FormatConsole:
		config := zap.NewDevelopmentConfig()
		config.DisableStacktrace = true
		return build(config, verbosity)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func build(config zap.Config, verbosity string) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}
