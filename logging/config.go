// Package logging installs the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "GENBFT_LOG_LEVEL"
	EnvLogTimestamp = "GENBFT_LOG_TIMESTAMP"
	EnvLogColor     = "GENBFT_LOG_COLOR"
)

// Options describes the console logger.
type Options struct {
	Level     zerolog.Level
	Color     bool
	Timestamp bool
	// JSON writes raw zerolog events instead of the console format.
	JSON   bool
	Output io.Writer
}

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var configureOnce sync.Once

// DefaultOptions returns the options of a profile before environment overrides.
func DefaultOptions(profile Profile) Options {
	switch profile {
	case ProfileTest:
		return Options{Level: zerolog.WarnLevel, Output: os.Stderr}
	default:
		return Options{Level: zerolog.InfoLevel, Color: true, Timestamp: true, Output: os.Stderr}
	}
}

func ConfigureRuntime() {
	Configure(DefaultOptions(ProfileRuntime))
}

func ConfigureTests() {
	Configure(DefaultOptions(ProfileTest))
}

// Configure installs the global logger. Only the first call has an effect.
func Configure(opts Options) {
	configureOnce.Do(func() {
		applyEnvOverrides(&opts)
		log.Logger = New(opts)
		zerolog.SetGlobalLevel(opts.Level)
	})
}

// New builds a logger from opts without touching global state.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    !opts.Color,
			TimeFormat: time.TimeOnly,
			PartsExclude: func() []string {
				if opts.Timestamp {
					return nil
				}
				return []string{zerolog.TimestampFieldName}
			}(),
		}
	}
	ctx := zerolog.New(out).Level(opts.Level).With()
	if opts.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func applyEnvOverrides(opts *Options) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		opts.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogColor)); ok {
		opts.Color = v
	}
}

// ParseLevel accepts the usual level names; ok is false for empty or unknown input.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
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
