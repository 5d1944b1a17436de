// Package config loads the engine configuration file and the protocol
// documents it names.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/genbft-engine/consensus"
	"github.com/VanDung-dev/genbft-engine/logging"
	"github.com/VanDung-dev/genbft-engine/network"
	"github.com/VanDung-dev/genbft-engine/protocol"
	"github.com/VanDung-dev/genbft-engine/service"
)

var ErrInvalid = errors.New("invalid config")

// Duration decodes TOML strings such as "5ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	General    GeneralConfig    `toml:"general"`
	Benchmark  BenchmarkConfig  `toml:"benchmark"`
	Switching  SwitchingConfig  `toml:"switching"`
	Fault      FaultConfig      `toml:"fault"`
	Plugins    PluginsConfig    `toml:"plugins"`
	Network    NetworkConfig    `toml:"network"`
	Workload   WorkloadConfig   `toml:"workload"`
	Monitoring MonitoringConfig `toml:"monitoring"`
	Logging    LoggingConfig    `toml:"logging"`
}

type GeneralConfig struct {
	F               int            `toml:"f"`
	ProtocolPool    []string       `toml:"protocol_pool"`
	ProtocolDir     string         `toml:"protocol_dir"`
	DefaultProtocol string         `toml:"default_protocol"`
	Vars            map[string]int `toml:"vars"`
}

type BenchmarkConfig struct {
	BlockSize            int      `toml:"block_size"`
	CheckpointSize       int64    `toml:"checkpoint_size"`
	EpisodeSize          int64    `toml:"episode_size"`
	CatchUpK             int64    `toml:"catch_up_k"`
	RequestInterval      Duration `toml:"request_interval"`
	TimeoutMode          string   `toml:"timeout_mode"`
	TimeoutTrigger       Duration `toml:"timeout_trigger_interval"`
	AggregationDelay     Duration `toml:"aggregation_delay"`
	LeaderRotateInterval int64    `toml:"leader_rotate_interval"`
	SlowProposalDelay    Duration `toml:"slow_proposal_delay"`
	MaxPending           int      `toml:"max_pending"`
	ClosedLoop           bool     `toml:"closed_loop"`
	ClosedLoopClients    int      `toml:"num_client"`
	ClosedLoopDelay      Duration `toml:"closed_loop_delay"`
	ResendInterval       Duration `toml:"resend_interval"`
}

type SwitchingConfig struct {
	DebugSequence []string `toml:"debug_sequence"`
	Learning      bool     `toml:"learning"`
	Epsilon       float64  `toml:"epsilon"`
	// DecisionQuorum of zero means f+1.
	DecisionQuorum int `toml:"decision_quorum"`
	// Offsets into the episode of the learning round. Zero picks the default.
	ReportSequence   int64 `toml:"report_sequence"`
	ExchangeSequence int64 `toml:"exchange_sequence"`
	DecisionSequence int64 `toml:"decision_sequence"`
}

// FaultConfig injects faults for benchmarking. Overrides maps a protocol to
// the faults it is immune to.
type FaultConfig struct {
	InDark       []int               `toml:"in_dark"`
	Delayed      []int               `toml:"delayed"`
	Delay        Duration            `toml:"delay"`
	SlowProposal []int               `toml:"slow_proposal"`
	Polluted     []int               `toml:"polluted"`
	Overrides    map[string][]string `toml:"overrides"`
}

type PluginsConfig struct {
	Role       string   `toml:"role"`
	Pipeline   string   `toml:"pipeline"`
	Message    []string `toml:"message"`
	Transition []string `toml:"transition"`
}

type NetworkConfig struct {
	Nodes     int    `toml:"nodes"`
	Clients   int    `toml:"clients"`
	Transport string `toml:"transport"`
	Host      string `toml:"host"`
	BasePort  int    `toml:"base_port"`
	Workers   int    `toml:"workers"`
	QueueSize int    `toml:"queue_size"`
	Secret    string `toml:"secret"`
}

type WorkloadConfig struct {
	DatasetSize     int     `toml:"dataset_size"`
	ContentionLevel int     `toml:"contention_level"`
	ReadOnlyRatio   float64 `toml:"read_only_ratio"`
	RequestSize     int     `toml:"request_size"`
	ReplySize       int     `toml:"reply_size"`
}

type MonitoringConfig struct {
	Namespace   string `toml:"namespace"`
	MetricsAddr string `toml:"metrics_addr"`
	HealthAddr  string `toml:"health_addr"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	Color     bool   `toml:"color"`
	Timestamp bool   `toml:"timestamp"`
	JSON      bool   `toml:"json"`
}

const (
	TransportBus = "bus"
	TransportZmq = "zmq"

	timeoutAdaptive = "adaptive"
	timeoutFixed    = "fixed"
)

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	s := consensus.DefaultSettings()
	zmq := network.DefaultZmqConfig()
	bus := network.DefaultBusConfig()
	w := service.DefaultWorkload()
	return Config{
		General: GeneralConfig{
			F:               s.F,
			ProtocolPool:    []string{"pbft", "zyzzyva", "hotstuff"},
			DefaultProtocol: s.DefaultProtocol,
		},
		Benchmark: BenchmarkConfig{
			BlockSize:            s.BlockSize,
			CheckpointSize:       s.CheckpointSize,
			EpisodeSize:          s.EpisodeSize,
			CatchUpK:             s.CatchUpK,
			RequestInterval:      Duration{s.RequestInterval},
			TimeoutMode:          timeoutAdaptive,
			TimeoutTrigger:       Duration{s.TimeoutTrigger},
			AggregationDelay:     Duration{s.AggregationDelay},
			LeaderRotateInterval: s.LeaderRotateInterval,
			ClosedLoopClients:    s.ClosedLoopClients,
			ResendInterval:       Duration{s.ResendInterval},
		},
		Switching: SwitchingConfig{Epsilon: 0.1},
		Plugins: PluginsConfig{
			Role:       s.Plugins.Role,
			Pipeline:   s.Plugins.Pipeline,
			Message:    s.Plugins.Message,
			Transition: s.Plugins.Transition,
		},
		Network: NetworkConfig{
			Nodes:     len(s.Roster.Nodes),
			Clients:   len(s.Roster.Clients),
			Transport: TransportBus,
			Host:      zmq.Host,
			BasePort:  zmq.BasePort,
			Workers:   bus.Workers,
			QueueSize: bus.QueueSize,
		},
		Workload: WorkloadConfig{
			DatasetSize:     w.DatasetSize,
			ContentionLevel: w.ContentionLevel,
		},
		Monitoring: MonitoringConfig{Namespace: "genbft"},
		Logging:    LoggingConfig{Level: "info", Color: true, Timestamp: true},
	}
}

// Load decodes path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if cfg.General.ProtocolDir != "" && !filepath.IsAbs(cfg.General.ProtocolDir) {
		cfg.General.ProtocolDir = filepath.Join(filepath.Dir(path), cfg.General.ProtocolDir)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Validate checks the parts of the configuration that settings validation
// cannot see.
func (c Config) Validate() error {
	if len(c.General.ProtocolPool) == 0 {
		return fmt.Errorf("%w: empty protocol pool", ErrInvalid)
	}
	if !contains(c.General.ProtocolPool, c.General.DefaultProtocol) {
		return fmt.Errorf("%w: default protocol %q is not in the pool", ErrInvalid, c.General.DefaultProtocol)
	}
	for _, p := range c.Switching.DebugSequence {
		if p != "repeat" && !contains(c.General.ProtocolPool, p) {
			return fmt.Errorf("%w: debug sequence names %q outside the pool", ErrInvalid, p)
		}
	}
	switch c.Benchmark.TimeoutMode {
	case timeoutAdaptive, timeoutFixed:
	default:
		return fmt.Errorf("%w: timeout mode %q", ErrInvalid, c.Benchmark.TimeoutMode)
	}
	switch c.Network.Transport {
	case TransportBus, TransportZmq:
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalid, c.Network.Transport)
	}
	if c.Network.Clients <= 0 {
		return fmt.Errorf("%w: at least one client is required", ErrInvalid)
	}
	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Logging.Level)
	}
	if err := c.Settings().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Settings builds the runtime settings shared by every entity.
func (c Config) Settings() consensus.Settings {
	quorum := c.Switching.DecisionQuorum
	if quorum <= 0 {
		quorum = c.General.F + 1
	}
	b := c.Benchmark
	f := c.Fault
	return consensus.Settings{
		F:                    c.General.F,
		BlockSize:            b.BlockSize,
		CheckpointSize:       b.CheckpointSize,
		EpisodeSize:          b.EpisodeSize,
		CatchUpK:             b.CatchUpK,
		RequestInterval:      b.RequestInterval.Duration,
		FixedTimeout:         b.TimeoutMode == timeoutFixed,
		TimeoutTrigger:       b.TimeoutTrigger.Duration,
		AggregationDelay:     b.AggregationDelay.Duration,
		LeaderRotateInterval: b.LeaderRotateInterval,
		SlowProposalDelay:    b.SlowProposalDelay.Duration,
		MaxPending:           b.MaxPending,
		ClosedLoop:           b.ClosedLoop,
		ClosedLoopClients:    b.ClosedLoopClients,
		ClosedLoopDelay:      b.ClosedLoopDelay.Duration,
		ResendInterval:       b.ResendInterval.Duration,
		DefaultProtocol:      c.General.DefaultProtocol,
		DebugSequence:        append([]string(nil), c.Switching.DebugSequence...),
		Learning:             c.Switching.Learning,
		DecisionQuorum:       quorum,
		ReportSequence:       c.Switching.ReportSequence,
		ExchangeSequence:     c.Switching.ExchangeSequence,
		DecisionSequence:     c.Switching.DecisionSequence,
		Faults: consensus.FaultSettings{
			InDark:       append([]int(nil), f.InDark...),
			Delayed:      append([]int(nil), f.Delayed...),
			Delay:        f.Delay.Duration,
			SlowProposal: append([]int(nil), f.SlowProposal...),
			Polluted:     append([]int(nil), f.Polluted...),
			Overrides:    f.Overrides,
		},
		Plugins: consensus.PluginSettings{
			Role:       c.Plugins.Role,
			Pipeline:   c.Plugins.Pipeline,
			Message:    append([]string(nil), c.Plugins.Message...),
			Transition: append([]string(nil), c.Plugins.Transition...),
		},
		Roster: consensus.NewRoster(c.Network.Nodes, c.Network.Clients),
	}
}

// Protocols reads the pool's documents. A document found as
// <protocol_dir>/<name>.yaml wins over the built-in one of the same name.
func (c Config) Protocols(logger *zerolog.Logger) (protocol.Pool, error) {
	general := map[string]int{"f": c.General.F}
	for k, v := range c.General.Vars {
		general[k] = v
	}
	pool := protocol.Pool{General: general, Logger: logger}
	for _, name := range c.General.ProtocolPool {
		doc, err := c.document(name)
		if err != nil {
			return protocol.Pool{}, err
		}
		pool.Documents = append(pool.Documents, doc)
	}
	return pool, nil
}

func (c Config) document(name string) (*protocol.Document, error) {
	if c.General.ProtocolDir != "" {
		path := filepath.Join(c.General.ProtocolDir, name+".yaml")
		if _, err := os.Stat(path); err == nil {
			return protocol.ParseFile(path)
		}
	}
	return protocol.Builtin(name)
}

// Compile reads and compiles the protocol pool.
func (c Config) Compile(logger *zerolog.Logger) (*protocol.Spec, error) {
	pool, err := c.Protocols(logger)
	if err != nil {
		return nil, err
	}
	return protocol.Compile(pool)
}

func (c Config) ServiceWorkload() service.Workload {
	w := c.Workload
	return service.Workload{
		DatasetSize:     w.DatasetSize,
		ContentionLevel: w.ContentionLevel,
		ReadOnlyRatio:   w.ReadOnlyRatio,
		RequestSize:     w.RequestSize,
		ReplySize:       w.ReplySize,
	}
}

func (c Config) Zmq() network.ZmqConfig {
	z := network.DefaultZmqConfig()
	z.Host = c.Network.Host
	z.BasePort = c.Network.BasePort
	if c.Network.Workers > 0 {
		z.Workers = c.Network.Workers
	}
	if c.Network.QueueSize > 0 {
		z.QueueSize = c.Network.QueueSize
	}
	return z
}

func (c Config) Bus() network.BusConfig {
	b := network.DefaultBusConfig()
	if c.Network.Workers > 0 {
		b.Workers = c.Network.Workers
	}
	if c.Network.QueueSize > 0 {
		b.QueueSize = c.Network.QueueSize
	}
	return b
}

// Keys returns the MAC key provider, or nil when no secret is configured.
func (c Config) Keys() consensus.KeyProvider {
	if c.Network.Secret == "" {
		return nil
	}
	return consensus.SharedSecret(c.Network.Secret)
}

func (c Config) LogOptions() logging.Options {
	opts := logging.DefaultOptions(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Logging.Level); ok {
		opts.Level = lvl
	}
	opts.Color = c.Logging.Color
	opts.Timestamp = c.Logging.Timestamp
	opts.JSON = c.Logging.JSON
	return opts
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
