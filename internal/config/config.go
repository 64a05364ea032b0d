// Package config resolves the process configuration from the environment
// and the command line. Flags override environment values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrUsage is returned for --help and malformed command lines. Its message
// is the usage text.
var ErrUsage = errors.New(usage)

const usage = `Usage: vme-daq [options]

Options:
  --crate <file>        crate description (YAML)
  --run-name <name>     run name, also the default output directory
  --duration <d>        stop the run after d (e.g. 10m); default runs until signalled
  --simulate            acquire from a simulated crate
  --single-event        decode at most one frame per module readout
  --log-level <level>   debug, info, warn or error
  --metrics-addr <addr> serve Prometheus metrics on addr
  --info                print build information and exit
  -h, --help            show this text`

// Config holds the resolved process configuration.
type Config struct {
	CrateFile     string        `env:"DAQ_CRATE_FILE"`
	RunName       string        `env:"DAQ_RUN_NAME" envDefault:"/tmp"`
	LogLevel      string        `env:"DAQ_LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"DAQ_LOG_FORMAT" envDefault:"json"`
	MetricsAddr   string        `env:"DAQ_METRICS_ADDR"`
	Simulate      bool          `env:"DAQ_SIMULATE"`
	SingleEvent   bool          `env:"DAQ_SINGLE_EVENT"`
	Duration      time.Duration `env:"DAQ_DURATION"`
	StatsInterval time.Duration `env:"DAQ_STATS_INTERVAL" envDefault:"500ms"`
	JoinTimeout   time.Duration `env:"DAQ_JOIN_TIMEOUT" envDefault:"1s"`

	// ShowInfo is set by --info.
	ShowInfo bool
}

// ParseArgs reads the process environment, then applies the flags in args.
// args[0] is the program name.
func ParseArgs(args []string) (*Config, error) {
	return parse(args, nil)
}

func parse(args []string, environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if len(args) > 0 {
		args = args[1:]
	}

	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		next := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value: %w", name, ErrUsage)
			}
			i++
			return args[i], nil
		}

		var err error
		switch name {
		case "--crate":
			cfg.CrateFile, err = next()
		case "--run-name":
			cfg.RunName, err = next()
		case "--log-level":
			cfg.LogLevel, err = next()
		case "--metrics-addr":
			cfg.MetricsAddr, err = next()
		case "--duration":
			var s string
			if s, err = next(); err == nil {
				cfg.Duration, err = time.ParseDuration(s)
				if err == nil && cfg.Duration < 0 {
					err = fmt.Errorf("negative duration %s", s)
				}
			}
		case "--simulate":
			cfg.Simulate = true
		case "--single-event":
			cfg.SingleEvent = true
		case "--info":
			cfg.ShowInfo = true
		case "-h", "--help":
			return nil, ErrUsage
		default:
			return nil, fmt.Errorf("unknown option %q: %w", args[i], ErrUsage)
		}
		if err != nil {
			return nil, err
		}
	}

	if cfg.ShowInfo {
		return &cfg, nil
	}
	if cfg.CrateFile == "" && !cfg.Simulate {
		return nil, fmt.Errorf("no crate description: pass --crate or --simulate")
	}
	if cfg.StatsInterval <= 0 {
		return nil, fmt.Errorf("statistics interval must be positive, got %s", cfg.StatsInterval)
	}
	return &cfg, nil
}
