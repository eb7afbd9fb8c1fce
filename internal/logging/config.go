package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "HUBCTL_LOG_LEVEL"
	EnvLogTimestamp = "HUBCTL_LOG_TIMESTAMP"
	EnvLogNoColor   = "HUBCTL_LOG_NOCOLOR"
	EnvLogJSON      = "HUBCTL_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger setup for one process.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	JSON      bool
	App       string
}

var configureOnce sync.Once

func ConfigureRuntime(app string) {
	Configure(ProfileRuntime, app)
}

func ConfigureTests() {
	Configure(ProfileTest, "test")
}

// Configure installs the global zerolog logger. Only the first call has effect.
func Configure(profile Profile, app string) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		cfg.App = app
		applyEnvOverrides(&cfg)
		log.Logger = New(cfg, os.Stdout)
		zerolog.SetGlobalLevel(cfg.Level)
	})
}

// New builds a logger writing to out according to cfg.
func New(cfg Config, out *os.File) zerolog.Logger {
	var w io.Writer = out
	if !cfg.JSON {
		noColor := cfg.NoColor || !isatty.IsTerminal(out.Fd())
		var colored io.Writer = out
		if !noColor && out == os.Stdout {
			colored = colorable.NewColorableStdout()
		}
		w = zerolog.ConsoleWriter{
			Out:        colored,
			NoColor:    noColor,
			TimeFormat: time.RFC3339,
			PartsExclude: func() []string {
				if cfg.Timestamp {
					return nil
				}
				return []string{zerolog.TimestampFieldName}
			}(),
		}
	}
	ctx := zerolog.New(w).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.App != "" {
		ctx = ctx.Str("app", cfg.App)
	}
	return ctx.Logger()
}

func defaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Timestamp: false, NoColor: true}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
}

// ParseLevel maps a user-facing level name onto a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
