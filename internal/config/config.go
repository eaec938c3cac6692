// Package config loads and validates the Agent's JSON configuration
// file, applying the same load-then-default-then-validate shape used
// throughout this codebase.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/carlosrabelo/agentpool/internal/proxysocks"
	"github.com/carlosrabelo/agentpool/internal/ratelimit"
)

// Pool is one configured upstream (host, port, plus the supplemented
// optional SOCKS egress). Unknown keys in the JSON are ignored.
type Pool struct {
	Host  string            `json:"host"`
	Port  int               `json:"port"`
	Socks proxysocks.Config `json:"socks_proxy"`
}

// Config is the Agent's top-level configuration (§6).
type Config struct {
	AgentListenIP   string `json:"agent_listen_ip"`
	AgentListenPort int    `json:"agent_listen_port"`
	Pools           []Pool `json:"pools"`
	PoolUser        string `json:"pool_user"`
	PoolPass        string `json:"pool_pass"`

	HTTPListen string `json:"http_listen"`

	MaxSessions int `json:"max_sessions"`

	BackoffMinMs int `json:"backoff_min_ms"`
	BackoffMaxMs int `json:"backoff_max_ms"`

	RateLimit ratelimit.Config `json:"ratelimit"`
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AgentListenIP == "" {
		c.AgentListenIP = "0.0.0.0"
	}
	if c.AgentListenPort == 0 {
		c.AgentListenPort = 3333
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 65535
	}
	if c.BackoffMinMs == 0 {
		c.BackoffMinMs = 1000
	}
	if c.BackoffMaxMs == 0 {
		c.BackoffMaxMs = 30000
	}
	if c.RateLimit.MaxConnectionsPerIP == 0 {
		c.RateLimit.MaxConnectionsPerIP = 100
	}
	if c.RateLimit.MaxConnectionsPerMinute == 0 {
		c.RateLimit.MaxConnectionsPerMinute = 60
	}
	if c.RateLimit.BanDurationSeconds == 0 {
		c.RateLimit.BanDurationSeconds = 300
	}
	if c.RateLimit.CleanupIntervalSeconds == 0 {
		c.RateLimit.CleanupIntervalSeconds = 60
	}
	if len(c.Pools) == 0 {
		return
	}
	for i := range c.Pools {
		if c.Pools[i].Port == 0 {
			c.Pools[i].Port = 3333
		}
	}
}

func (c *Config) validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("pools: at least one upstream pool is required")
	}
	for i, p := range c.Pools {
		if p.Host == "" {
			return fmt.Errorf("pools[%d].host is required", i)
		}
	}
	if c.PoolUser == "" {
		return fmt.Errorf("pool_user is required")
	}
	if c.BackoffMaxMs < c.BackoffMinMs {
		return fmt.Errorf("backoff_max_ms (%d) must be >= backoff_min_ms (%d)", c.BackoffMaxMs, c.BackoffMinMs)
	}
	if len(c.Pools) > 127 {
		return fmt.Errorf("pools: at most 127 upstream slots are supported")
	}
	return nil
}
