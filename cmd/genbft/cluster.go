package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/genbft-engine/config"
	"github.com/VanDung-dev/genbft-engine/consensus"
	"github.com/VanDung-dev/genbft-engine/monitoring"
	"github.com/VanDung-dev/genbft-engine/network"
	"github.com/VanDung-dev/genbft-engine/service"
)

var ErrBusSingleMember = errors.New("the in-process bus cannot run a single member")

// cluster owns the entities of this process and the servers around them.
type cluster struct {
	cfg       config.Config
	settings  consensus.Settings
	transport network.Transport
	entities  []*consensus.Entity

	metricsServer *monitoring.MetricsServer
	healthServer  *monitoring.HealthServer
	serving       atomic.Bool

	started time.Time
	logger  zerolog.Logger
}

func newCluster(cfg config.Config, member int) (*cluster, error) {
	logger := log.With().Str("component", "cluster").Logger()
	spec, err := cfg.Compile(&logger)
	if err != nil {
		return nil, err
	}
	c := &cluster{cfg: cfg, settings: cfg.Settings(), logger: logger}

	ids := c.settings.Roster.Members()
	switch {
	case cfg.Network.Transport == config.TransportBus && member >= 0:
		return nil, ErrBusSingleMember
	case cfg.Network.Transport == config.TransportBus:
		c.transport = network.NewBus(cfg.Bus())
	case member >= len(ids):
		return nil, fmt.Errorf("member %d outside roster of %d", member, len(ids))
	default:
		c.transport = network.NewZmqTransport(cfg.Zmq())
		if member >= 0 {
			ids = []int{member}
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(cfg.Monitoring.Namespace, reg)
	registry := consensus.NewRegistry()

	for _, id := range ids {
		ecfg := consensus.Config{
			ID:        id,
			Spec:      spec,
			Settings:  c.settings,
			Transport: c.transport,
			Registry:  registry,
			Recorder:  metrics,
			Keys:      cfg.Keys(),
		}
		if c.settings.Learning {
			ecfg.Learner = consensus.NewGreedyLearner(spec.Protocols(), cfg.Switching.Epsilon, uint64(id)+1)
		}
		var e *consensus.Entity
		if c.settings.Roster.IsNode(id) {
			e, err = consensus.NewNode(ecfg, service.NewCounter(cfg.Workload.DatasetSize))
		} else {
			e, err = consensus.NewClient(ecfg, service.NewClientDataset(id, cfg.ServiceWorkload()))
		}
		if err != nil {
			_ = c.transport.Close()
			return nil, fmt.Errorf("create entity %d: %w", id, err)
		}
		c.entities = append(c.entities, e)
	}

	status := monitoring.StatusFunc(c.serving.Load)
	if addr := cfg.Monitoring.MetricsAddr; addr != "" {
		c.metricsServer = monitoring.NewMetricsServer(addr, reg, status)
	}
	if cfg.Monitoring.HealthAddr != "" {
		c.healthServer = monitoring.NewHealthServer(status, time.Second)
	}
	return c, nil
}

func (c *cluster) start(ctx context.Context) error {
	if c.metricsServer != nil {
		c.metricsServer.StartAsync()
	}
	if c.healthServer != nil {
		if err := c.healthServer.StartAsync(c.cfg.Monitoring.HealthAddr); err != nil {
			return err
		}
	}
	c.started = time.Now()
	for _, e := range c.entities {
		if err := e.Start(ctx); err != nil {
			return err
		}
	}
	c.serving.Store(true)
	c.logger.Info().
		Int("entities", len(c.entities)).
		Str("protocol", c.settings.DefaultProtocol).
		Str("transport", c.cfg.Network.Transport).
		Msg("Cluster started")
	return nil
}

// stop halts every entity in parallel, then the transport and servers.
func (c *cluster) stop() error {
	c.serving.Store(false)
	var g errgroup.Group
	for _, e := range c.entities {
		g.Go(e.Stop)
	}
	err := g.Wait()
	if cerr := c.transport.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if c.healthServer != nil {
		c.healthServer.Stop()
	}
	if c.metricsServer != nil {
		if serr := c.metricsServer.Stop(); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return err
}

type entityReport struct {
	ID               int    `json:"id"`
	Node             bool   `json:"node"`
	Protocol         string `json:"protocol"`
	View             int64  `json:"view"`
	Episode          int64  `json:"episode"`
	LastExecuted     int64  `json:"last_executed"`
	ExecutedRequests int64  `json:"executed_requests"`
}

type runReport struct {
	Duration       time.Duration  `json:"duration_ns"`
	Requests       int64          `json:"client_requests"`
	RequestsPerSec float64        `json:"requests_per_sec"`
	Entities       []entityReport `json:"entities"`
}

func (c *cluster) report(elapsed time.Duration) runReport {
	r := runReport{Duration: elapsed}
	for _, e := range c.entities {
		node := c.settings.Roster.IsNode(e.ID())
		er := entityReport{
			ID:               e.ID(),
			Node:             node,
			Protocol:         e.Protocol(),
			View:             e.View(),
			Episode:          e.Episode(),
			LastExecuted:     e.LastExecuted(),
			ExecutedRequests: e.ExecutedRequests(),
		}
		if !node {
			r.Requests += er.ExecutedRequests
		}
		r.Entities = append(r.Entities, er)
	}
	if elapsed > 0 {
		r.RequestsPerSec = float64(r.Requests) / elapsed.Seconds()
	}
	return r
}

func (r runReport) log() {
	for _, e := range r.Entities {
		log.Info().
			Int("entity", e.ID).
			Bool("node", e.Node).
			Str("protocol", e.Protocol).
			Int64("view", e.View).
			Int64("last_executed", e.LastExecuted).
			Int64("requests", e.ExecutedRequests).
			Msg("Entity summary")
	}
	log.Info().
		Dur("duration", r.Duration).
		Int64("requests", r.Requests).
		Float64("requests_per_sec", r.RequestsPerSec).
		Msg("Run finished")
}

func (r runReport) save(path string) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
