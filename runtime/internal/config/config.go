// Package config handles runtime configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level runtime configuration.
type Config struct {
	Runtime      RuntimeConfig      `json:"runtime"`
	Storage      StorageConfig      `json:"storage"`
	Registration RegistrationConfig `json:"registration"`
	Mailbox      MailboxConfig      `json:"mailbox"`
	Agents       []AgentConfig      `json:"agents"`
}

// RuntimeConfig defines process-wide settings.
type RuntimeConfig struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format,omitempty"` // "json" (default) or "text"
	// ListenAddr is the shared /submit listener. Empty runs without one,
	// which only makes sense when every agent uses a mailbox.
	ListenAddr string `json:"listen_addr,omitempty"`
	// PublicURL is the externally reachable base URL of ListenAddr; agents
	// advertise PublicURL + "/submit".
	PublicURL   string   `json:"public_url,omitempty"`
	SyncTimeout Duration `json:"sync_timeout,omitempty"`
	SendMode    string   `json:"send_mode,omitempty"` // "direct" (default) or "queued"
	// Peers are static address to endpoint entries tried before the almanac.
	Peers map[string][]string `json:"peers,omitempty"`
}

// StorageConfig selects the key-value store shared by all agents.
type StorageConfig struct {
	Driver string `json:"driver"` // "memory" (default), "sqlite" or "postgres"
	DSN    string `json:"dsn,omitempty"`
}

// RegistrationConfig defines almanac registration.
type RegistrationConfig struct {
	Enabled        bool     `json:"enabled"`
	AlmanacURL     string   `json:"almanac_url,omitempty"`
	Interval       Duration `json:"interval,omitempty"`
	RenewThreshold Duration `json:"renew_threshold,omitempty"`
	CacheTTL       Duration `json:"cache_ttl,omitempty"`
}

// MailboxConfig defines the relay used by agents with mailbox enabled.
type MailboxConfig struct {
	URL          string   `json:"url,omitempty"`
	Mode         string   `json:"mode,omitempty"` // "poll" (default) or "stream"
	PollInterval Duration `json:"poll_interval,omitempty"`
}

// AgentConfig defines one hosted agent. Exactly one of Seed and KeyFile
// supplies the identity.
type AgentConfig struct {
	Name  string `json:"name"`
	Seed  string `json:"seed,omitempty"`
	Index int    `json:"index,omitempty"`
	// KeyFile is an encrypted key written by "agentwire-runtime keygen".
	KeyFile string `json:"key_file,omitempty"`
	// PassphraseEnv names the environment variable holding the key file
	// passphrase. When unset or empty the runtime prompts on a terminal.
	PassphraseEnv string `json:"passphrase_env,omitempty"`
	// Mailbox makes the agent receive through the relay instead of the
	// local listener.
	Mailbox   bool     `json:"mailbox,omitempty"`
	Protocols []string `json:"protocols,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates a config document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	switch c.Storage.Driver {
	case "", "memory", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite, or postgres")
	}
	switch c.Runtime.SendMode {
	case "", "direct", "queued":
	default:
		return fmt.Errorf("runtime.send_mode must be direct or queued")
	}
	switch c.Mailbox.Mode {
	case "", "poll", "stream":
	default:
		return fmt.Errorf("mailbox.mode must be poll or stream")
	}
	if c.Registration.Enabled && c.Registration.AlmanacURL == "" {
		return fmt.Errorf("registration.almanac_url is required when registration is enabled")
	}

	seen := make(map[string]bool)
	for i, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if seen[agent.Name] {
			return fmt.Errorf("duplicate agent name: %s", agent.Name)
		}
		seen[agent.Name] = true
		if (agent.Seed == "") == (agent.KeyFile == "") {
			return fmt.Errorf("agents[%d]: exactly one of seed and key_file is required", i)
		}
		if agent.Index < 0 || agent.Index > 255 {
			return fmt.Errorf("agents[%d].index must be between 0 and 255", i)
		}
		if agent.Mailbox && c.Mailbox.URL == "" {
			return fmt.Errorf("agents[%d] uses a mailbox but mailbox.url is not set", i)
		}
		if !agent.Mailbox && c.Registration.Enabled && c.Runtime.PublicURL == "" {
			return fmt.Errorf("agents[%d] registers a direct endpoint but runtime.public_url is not set", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Runtime.LogLevel == "" {
		c.Runtime.LogLevel = "info"
	}
	if c.Runtime.LogFormat == "" {
		c.Runtime.LogFormat = "json"
	}
	if c.Runtime.SyncTimeout.Duration == 0 {
		c.Runtime.SyncTimeout.Duration = 30 * time.Second
	}
	if c.Runtime.SendMode == "" {
		c.Runtime.SendMode = "direct"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Registration.Interval.Duration == 0 {
		c.Registration.Interval.Duration = time.Minute
	}
	if c.Registration.RenewThreshold.Duration == 0 {
		c.Registration.RenewThreshold.Duration = 10 * time.Minute
	}
	if c.Registration.CacheTTL.Duration == 0 {
		c.Registration.CacheTTL.Duration = 5 * time.Minute
	}
	if c.Mailbox.Mode == "" {
		c.Mailbox.Mode = "poll"
	}
	if c.Mailbox.PollInterval.Duration == 0 {
		c.Mailbox.PollInterval.Duration = time.Second
	}
	for i := range c.Agents {
		if len(c.Agents[i].Protocols) == 0 {
			c.Agents[i].Protocols = []string{"echo"}
		}
	}
}
