package config

import (
	"context"
	"slices"
)

// Watcher enables live configuration updates
type Watcher interface {
	// Watch blocks until ctx is done, calling callback with every
	// reloaded configuration that passes validation
	Watch(ctx context.Context, callback func(*Config)) error
}

// Option adjusts how Load finds and reads configuration
type Option func(*options) error

type options struct {
	configPath string
	envPrefix  string
	envFiles   []string
	args       []string
}

// WithConfigFile reads path instead of the file named by --config,
// CPUMONITOR_CONFIG or DefaultConfigPath. The file must exist.
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix replaces DefaultEnvPrefix. Keys map to variables as
// PREFIX_KEY with dots turned into underscores.
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// WithEnvFiles replaces the dotenv files read before the environment
// is consulted. Missing files are skipped.
func WithEnvFiles(paths ...string) Option {
	return func(o *options) error {
		o.envFiles = paths
		return nil
	}
}

// WithArgs parses args instead of os.Args[1:]
func WithArgs(args []string) Option {
	return func(o *options) error {
		o.args = args
		return nil
	}
}

// LogLevel is a log_level value accepted by the logger
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

var logLevels = []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError}

func (l LogLevel) IsValid() bool {
	return slices.Contains(logLevels, l)
}

func (l LogLevel) String() string {
	return string(l)
}
