package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigPath   = "/etc/cpumonitor.toml"
	DefaultEnvPrefix    = "CPUMONITOR"
	DefaultInterval     = time.Second
	MinInterval         = 100 * time.Millisecond
	DefaultSource       = "auto"
	DefaultStatPath     = "/proc/stat"
	DefaultLogLevel     = string(LogLevelInfo)
	DefaultMetricsDB    = "/var/lib/cpumonitor/metrics.db"
	DefaultBatchSize    = 10
	DefaultBatchTimeout = 30 * time.Second
	DefaultRemotePort   = 22
	DefaultRemoteWait   = 5 * time.Second
)

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	Count    int           `mapstructure:"count" validate:"min=0"`
	PerCore  bool          `mapstructure:"per_core"`
	Source   string        `mapstructure:"source" validate:"oneof=auto file remote native"`
	StatPath string        `mapstructure:"stat_path" validate:"required_if=Source file"`
	LogLevel string        `mapstructure:"log_level" validate:"oneof=debug info warning error"`
	PIDFile  string        `mapstructure:"pid_file"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	Remote   RemoteConfig  `mapstructure:"remote"`

	configFile string
	v          *viper.Viper
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path" validate:"required_if=Enabled true"`
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"min=1s"`
}

type RemoteConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	User       string        `mapstructure:"user"`
	KeyPath    string        `mapstructure:"key_path"`
	Password   string        `mapstructure:"password"`
	KnownHosts string        `mapstructure:"known_hosts"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"min=0"`
}

var validate = validator.New()

var defaults = map[string]any{
	"interval":              DefaultInterval,
	"count":                 0,
	"per_core":              false,
	"source":                DefaultSource,
	"stat_path":             DefaultStatPath,
	"log_level":             DefaultLogLevel,
	"pid_file":              "",
	"metrics.enabled":       false,
	"metrics.db_path":       DefaultMetricsDB,
	"metrics.batch_size":    DefaultBatchSize,
	"metrics.batch_timeout": DefaultBatchTimeout,
	"remote.host":           "",
	"remote.port":           DefaultRemotePort,
	"remote.user":           "",
	"remote.key_path":       "",
	"remote.password":       "",
	"remote.known_hosts":    "",
	"remote.timeout":        DefaultRemoteWait,
}

// flag name to config key
var flagKeys = map[string]string{
	"interval":       "interval",
	"count":          "count",
	"per-core":       "per_core",
	"source":         "source",
	"stat-path":      "stat_path",
	"log-level":      "log_level",
	"pid-file":       "pid_file",
	"metrics":        "metrics.enabled",
	"metrics-db":     "metrics.db_path",
	"remote-host":    "remote.host",
	"remote-port":    "remote.port",
	"remote-user":    "remote.user",
	"remote-key":     "remote.key_path",
	"remote-timeout": "remote.timeout",
}

// Load reads the configuration from flags, environment, an optional
// TOML file and defaults, in that order of precedence. A pflag.ErrHelp
// in the chain means usage was requested.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{
		envPrefix: DefaultEnvPrefix,
		envFiles:  []string{".env"},
		args:      os.Args[1:],
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	for _, path := range o.envFiles {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	flags := newFlagSet()
	if err := flags.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile, explicit := resolveConfigFile(o, flags)
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
			configFile = ""
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.configFile = configFile
	cfg.v = v

	return cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("cpumonitor", pflag.ContinueOnError)
	flags.SortFlags = false

	flags.String("config", "", "Path to the TOML configuration file")
	flags.Duration("interval", DefaultInterval, "Time between samples")
	flags.Int("count", 0, "Stop after this many reports (0 runs until interrupted)")
	flags.Bool("per-core", false, "Report usage for every core")
	flags.String("source", DefaultSource, "Counter source: auto, file, remote or native")
	flags.String("stat-path", DefaultStatPath, "Counter table read by the file source")
	flags.String("log-level", DefaultLogLevel, "Log level: debug, info, warning or error")
	flags.String("pid-file", "", "Write the process ID to this file")
	flags.Bool("metrics", false, "Record intervals to the metrics database")
	flags.String("metrics-db", DefaultMetricsDB, "Path to the metrics database")
	flags.String("remote-host", "", "Host sampled by the remote source")
	flags.Int("remote-port", DefaultRemotePort, "SSH port of the remote host")
	flags.String("remote-user", "", "SSH user on the remote host")
	flags.String("remote-key", "", "Private key used to authenticate to the remote host")
	flags.Duration("remote-timeout", DefaultRemoteWait, "Timeout for a remote read")

	return flags
}

func resolveConfigFile(o options, flags *pflag.FlagSet) (string, bool) {
	if o.configPath != "" {
		return o.configPath, true
	}
	if path, err := flags.GetString("config"); err == nil && path != "" {
		return path, true
	}
	if path, ok := os.LookupEnv(o.envPrefix + "_CONFIG"); ok {
		return path, path != ""
	}
	return DefaultConfigPath, false
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and the settings each source requires.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Interval < MinInterval {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}

	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return errFactory.WithData(errors.ErrInvalidConfig, describe(validationErrors))
		}
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if c.Source == "remote" && (c.Remote.Host == "" || c.Remote.User == "") {
		return errFactory.WithData(errors.ErrInvalidConfig, "remote source needs remote.host and remote.user")
	}

	return nil
}

func describe(validationErrors validator.ValidationErrors) string {
	reasons := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		field := strings.TrimPrefix(fieldErr.Namespace(), "Config.")
		switch fieldErr.Tag() {
		case "required_if":
			reasons = append(reasons, fmt.Sprintf("%s is required when %s", field, fieldErr.Param()))
		case "oneof":
			reasons = append(reasons, fmt.Sprintf("%s must be one of %s", field, fieldErr.Param()))
		case "min":
			reasons = append(reasons, fmt.Sprintf("%s must be at least %s", field, fieldErr.Param()))
		case "max":
			reasons = append(reasons, fmt.Sprintf("%s must be at most %s", field, fieldErr.Param()))
		default:
			reasons = append(reasons, fmt.Sprintf("%s is invalid", field))
		}
	}
	return strings.Join(reasons, "; ")
}

// ConfigFile returns the TOML file the configuration was read from, or
// an empty string when none was used.
func (c *Config) ConfigFile() string {
	return c.configFile
}

// Watch reloads the configuration whenever its file changes. Reloads that
// fail validation are logged and skipped. Without a config file Watch
// only waits for ctx.
func (c *Config) Watch(ctx context.Context, callback func(*Config)) error {
	if c.v == nil || c.configFile == "" {
		<-ctx.Done()
		return nil
	}

	var stopped atomic.Bool
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if stopped.Load() || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}

		next, err := decode(c.v)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}
		next.configFile = c.configFile
		next.v = c.v

		logger.Info().Str("file", e.Name).Msg("Configuration reloaded")
		callback(next)
	})
	c.v.WatchConfig()

	<-ctx.Done()
	stopped.Store(true)
	return nil
}

var _ Watcher = (*Config)(nil)
