package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/VanDung-dev/genbft-engine/config"
	"github.com/VanDung-dev/genbft-engine/logging"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "genbft-engine"
)

type options struct {
	ConfigPath string
	// Member runs one entity; negative runs the whole roster in process.
	Member   int
	Duration time.Duration
	Report   string
	Version  bool
}

func main() {
	opts := parseFlags()
	if opts.Version {
		fmt.Printf("%s v%s\n", Name, Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Error().Err(err).Msg("genbft failed")
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.ConfigPath, "config", "", "Engine configuration file (TOML); defaults apply when empty")
	flag.IntVar(&opts.Member, "member", -1, "Entity id to run over ZeroMQ (-1 = whole cluster in process)")
	flag.DurationVar(&opts.Duration, "d", 0, "Run duration (0 = until interrupted)")
	flag.StringVar(&opts.Report, "o", "", "Output report file (JSON)")
	flag.BoolVar(&opts.Version, "version", false, "Print version and exit")
	flag.Parse()
	return opts
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	logging.Configure(cfg.LogOptions())

	c, err := newCluster(cfg, opts.Member)
	if err != nil {
		return err
	}
	if err := c.start(ctx); err != nil {
		c.stop()
		return err
	}

	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	} else {
		<-ctx.Done()
	}

	elapsed := time.Since(c.started)
	stopErr := c.stop()
	report := c.report(elapsed)
	report.log()
	if opts.Report != "" {
		if err := report.save(opts.Report); err != nil {
			return errors.Join(stopErr, err)
		}
	}
	return stopErr
}
