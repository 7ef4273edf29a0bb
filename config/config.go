package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"controlplane/common"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

const DefaultPath = "controller_config.toml"

// Duration reads TOML strings such as "300ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
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
	Log        LogConfig        `toml:"log"`
	Controller ControllerConfig `toml:"controller"`
	Decision   DecisionConfig   `toml:"decision"`
	Installer  InstallerConfig  `toml:"installer"`
	Reroute    RerouteConfig    `toml:"reroute"`
	FlowTable  FlowTableConfig  `toml:"flow_table"`
	API        APIConfig        `toml:"api"`
	Southbound SouthboundConfig `toml:"southbound"`
	Etcd       EtcdConfig       `toml:"etcd"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

type LogConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
	File  string `toml:"file"`
}

type ControllerConfig struct {
	TopologyFile     string   `toml:"topology_file"`
	EventListenAddr  string   `toml:"event_listen_addr"`
	DefaultRules     *bool    `toml:"default_rules"`
	MaintainInterval Duration `toml:"maintain_interval"`
	SwitchWait       Duration `toml:"switch_wait"`
	EventWorkers     int      `toml:"event_workers"`
}

type DecisionConfig struct {
	Policy      string   `toml:"policy"`
	OracleURL   string   `toml:"oracle_url"`
	Deadline    Duration `toml:"deadline"`
	Candidates  int      `toml:"candidates"`
	Exploration float64  `toml:"exploration"`
	Workers     int      `toml:"workers"`
}

type InstallerConfig struct {
	Priority         uint16   `toml:"priority"`
	IdleTimeout      Duration `toml:"idle_timeout"`
	HardTimeout      Duration `toml:"hard_timeout"`
	MaxApplyAttempts int      `toml:"max_apply_attempts"`
	ApplyBackoff     Duration `toml:"apply_backoff"`
	MaxApplyBackoff  Duration `toml:"max_apply_backoff"`
	ApplyTimeout     Duration `toml:"apply_timeout"`
}

type RerouteConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	TargetLatency  Duration `toml:"target_latency"`
	Workers        int      `toml:"workers"`
}

type FlowTableConfig struct {
	Expiration      Duration `toml:"expiration"`
	CleanupInterval Duration `toml:"cleanup_interval"`
}

type APIConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type SouthboundConfig struct {
	// Mode is "grpc" for remote switch agents or "memory" for a dry run.
	Mode        string            `toml:"mode"`
	AgentAddr   string            `toml:"agent_addr"`
	Agents      map[string]string `toml:"agents"`
	CallTimeout Duration          `toml:"call_timeout"`
}

type EtcdConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoints      []string `toml:"endpoints"`
	DialTimeout    Duration `toml:"dial_timeout"`
	RequestTimeout Duration `toml:"request_timeout"`
	Prefix         string   `toml:"prefix"`
}

type MetricsConfig struct {
	SampleInterval   Duration `toml:"sample_interval"`
	LinkCapacityBps  float64  `toml:"link_capacity_bps"`
	InterfacePattern string   `toml:"interface_pattern"`
}

// Default returns a configuration with every value set.
func Default() *Config {
	on := true
	return &Config{
		Log: LogConfig{Level: "info", Dir: "./logs", File: "controller.log"},
		Controller: ControllerConfig{
			TopologyFile:     "topology_info.json",
			EventListenAddr:  ":6653",
			DefaultRules:     &on,
			MaintainInterval: Duration{5 * time.Second},
			SwitchWait:       Duration{30 * time.Second},
			EventWorkers:     64,
		},
		Decision: DecisionConfig{
			Policy:      "oracle",
			OracleURL:   "http://127.0.0.1:5000",
			Deadline:    Duration{300 * time.Millisecond},
			Candidates:  3,
			Exploration: 0.1,
			Workers:     32,
		},
		Installer: InstallerConfig{
			Priority:         10,
			IdleTimeout:      Duration{120 * time.Second},
			HardTimeout:      Duration{300 * time.Second},
			MaxApplyAttempts: 3,
			ApplyBackoff:     Duration{50 * time.Millisecond},
			MaxApplyBackoff:  Duration{200 * time.Millisecond},
			ApplyTimeout:     Duration{time.Second},
		},
		Reroute: RerouteConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration{100 * time.Millisecond},
			MaxBackoff:     Duration{time.Second},
			TargetLatency:  Duration{2 * time.Second},
			Workers:        16,
		},
		FlowTable: FlowTableConfig{
			Expiration:      Duration{300 * time.Second},
			CleanupInterval: Duration{30 * time.Second},
		},
		API: APIConfig{ListenAddr: ":8080"},
		Southbound: SouthboundConfig{
			Mode:        "grpc",
			AgentAddr:   "127.0.0.1:50051",
			CallTimeout: Duration{time.Second},
		},
		Etcd: EtcdConfig{
			Endpoints:      []string{"localhost:2379"},
			DialTimeout:    Duration{5 * time.Second},
			RequestTimeout: Duration{2 * time.Second},
			Prefix:         "/sdn/",
		},
		Metrics: MetricsConfig{
			SampleInterval:   Duration{time.Second},
			LinkCapacityBps:  1e9,
			InterfacePattern: `^s(\d+)-eth(\d+)$`,
		},
	}
}

// Load decodes path over the defaults. Keys missing from the file keep
// their default and are reported once.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warningf("Load: config file %s not found, using defaults", path)
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	for _, key := range []string{"decision.oracle_url", "southbound.agent_addr", "api.listen_addr", "controller.topology_file"} {
		if !md.IsDefined(splitKey(key)...) {
			log.Warningf("Load: %s not specified, using default", key)
		}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Warningf("Load: unknown keys in %s: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitKey(key string) []string {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return []string{key[:i], key[i+1:]}
		}
	}
	return []string{key}
}

func (c *Config) Validate() error {
	switch c.Decision.Policy {
	case "oracle", "shortest_path":
	default:
		return fmt.Errorf("decision.policy: unknown policy %q", c.Decision.Policy)
	}
	switch c.Southbound.Mode {
	case "grpc", "memory":
	default:
		return fmt.Errorf("southbound.mode: unknown mode %q", c.Southbound.Mode)
	}
	if c.Decision.Deadline.Duration <= 0 {
		return fmt.Errorf("decision.deadline must be positive")
	}
	if c.Reroute.MaxAttempts <= 0 {
		return fmt.Errorf("reroute.max_attempts must be positive")
	}
	if _, err := c.AgentAddrs(); err != nil {
		return err
	}
	return nil
}

func (c *Config) DefaultRulesEnabled() bool {
	return c.Controller.DefaultRules == nil || *c.Controller.DefaultRules
}

// AgentAddrs parses the per-switch agent address map keyed by decimal dpid.
func (c *Config) AgentAddrs() (map[common.SwitchID]string, error) {
	out := make(map[common.SwitchID]string, len(c.Southbound.Agents))
	for dpid, addr := range c.Southbound.Agents {
		id, err := strconv.ParseUint(dpid, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("southbound.agents: bad dpid %q: %w", dpid, err)
		}
		out[common.SwitchID(id)] = addr
	}
	return out, nil
}
