package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config represents the copytrade.json configuration file. The server
// section configures the coordinator; the agent section configures a VPS
// agent. A deployment normally populates only the section it runs.
type Config struct {
	Version string        `json:"version"`
	Server  *ServerConfig `json:"server,omitempty"`
	Agent   *AgentConfig  `json:"agent,omitempty"`
}

// ServerConfig configures the coordinator HTTP server and its store.
type ServerConfig struct {
	ListenAddr   string         `json:"listen_addr"`
	SharedSecret string         `json:"shared_secret"`
	CipherKey    string         `json:"cipher_key"` // hex-encoded AES key for credential blobs
	PushBaseURL  string         `json:"push_base_url"`
	FreshnessS   int            `json:"freshness_s,omitempty"`
	HeartbeatTTL int            `json:"heartbeat_ttl_s,omitempty"`
	Postgres     PostgresConfig `json:"postgres"`
}

// PostgresConfig holds the coordinator store connection settings.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode,omitempty"`
}

// AgentConfig configures the polling agent that provisions and runs
// terminal instances on a VPS.
type AgentConfig struct {
	CoordinatorURL string `json:"coordinator_url"`
	SharedSecret   string `json:"shared_secret"`

	InstancesRoot   string `json:"instances_root"`
	TerminalSetup   string `json:"terminal_setup"`   // path to the terminal's unattended installer
	PluginPath      string `json:"plugin_path"`      // compiled trading plugin binary
	EventLogDir     string `json:"event_log_dir,omitempty"`

	PollIntervalS   int `json:"poll_interval_s,omitempty"`
	DisplayBase     int `json:"display_base,omitempty"`
	DisplayCount    int `json:"display_count,omitempty"`
	SettleDelayS    int `json:"settle_delay_s,omitempty"`
	StopGraceS      int `json:"stop_grace_s,omitempty"`
	InstallTimeoutM int `json:"install_timeout_m,omitempty"`
}

const (
	defaultFreshnessS      = 30
	defaultHeartbeatTTL    = 60
	defaultPollInterval    = 5
	defaultDisplayBase     = 10
	defaultDisplayCount    = 50
	defaultSettleDelayS    = 8
	defaultStopGraceS      = 5
	defaultInstallTimeoutM = 10
)

// Freshness returns the channel freshness window.
func (s *ServerConfig) Freshness() time.Duration {
	if s.FreshnessS <= 0 {
		return defaultFreshnessS * time.Second
	}
	return time.Duration(s.FreshnessS) * time.Second
}

// HeartbeatWindow returns the heartbeat age below which the agent is
// considered connected.
func (s *ServerConfig) HeartbeatWindow() time.Duration {
	if s.HeartbeatTTL <= 0 {
		return defaultHeartbeatTTL * time.Second
	}
	return time.Duration(s.HeartbeatTTL) * time.Second
}

// PollInterval returns the agent tick interval.
func (a *AgentConfig) PollInterval() time.Duration {
	if a.PollIntervalS <= 0 {
		return defaultPollInterval * time.Second
	}
	return time.Duration(a.PollIntervalS) * time.Second
}

// Displays returns the virtual display window (base, count).
func (a *AgentConfig) Displays() (base, count int) {
	base, count = a.DisplayBase, a.DisplayCount
	if base <= 0 {
		base = defaultDisplayBase
	}
	if count <= 0 {
		count = defaultDisplayCount
	}
	return base, count
}

// SettleDelay returns the post-spawn wait before a launch is declared
// successful.
func (a *AgentConfig) SettleDelay() time.Duration {
	if a.SettleDelayS <= 0 {
		return defaultSettleDelayS * time.Second
	}
	return time.Duration(a.SettleDelayS) * time.Second
}

// StopGrace returns the wait between a graceful terminate and a forced
// kill.
func (a *AgentConfig) StopGrace() time.Duration {
	if a.StopGraceS <= 0 {
		return defaultStopGraceS * time.Second
	}
	return time.Duration(a.StopGraceS) * time.Second
}

// InstallTimeout bounds bootstrap and terminal installation.
func (a *AgentConfig) InstallTimeout() time.Duration {
	if a.InstallTimeoutM <= 0 {
		return defaultInstallTimeoutM * time.Minute
	}
	return time.Duration(a.InstallTimeoutM) * time.Minute
}

// GenerateDefault creates a Config with default values for a single-host
// deployment running both roles.
func GenerateDefault() *Config {
	return &Config{
		Version: "1.0",
		Server: &ServerConfig{
			ListenAddr:   ":8080",
			SharedSecret: "",
			CipherKey:    "",
			PushBaseURL:  "http://127.0.0.1:8080",
			FreshnessS:   defaultFreshnessS,
			HeartbeatTTL: defaultHeartbeatTTL,
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "copytrade",
				Database: "copytrade",
				SSLMode:  "disable",
			},
		},
		Agent: &AgentConfig{
			CoordinatorURL: "http://127.0.0.1:8080",
			SharedSecret:   "",
			InstancesRoot:  "/opt/copytrade/instances",
			TerminalSetup:  "/opt/copytrade/terminal-setup.exe",
			PluginPath:     "/opt/copytrade/copier.ex4",
			PollIntervalS:  defaultPollInterval,
			DisplayBase:    defaultDisplayBase,
			DisplayCount:   defaultDisplayCount,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly
// error messages.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}
	if c.Server == nil && c.Agent == nil {
		return fmt.Errorf("configuration error: at least one of 'server' or 'agent' must be configured")
	}
	if c.Server != nil {
		if err := c.Server.Validate(); err != nil {
			return err
		}
	}
	if c.Agent != nil {
		if err := c.Agent.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the server section.
func (s *ServerConfig) Validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("configuration error: 'server.listen_addr' is empty\n\nHint: Set an address like:\n  \"listen_addr\": \":8080\"")
	}
	if s.SharedSecret == "" {
		return fmt.Errorf("configuration error: 'server.shared_secret' is empty\n\nHint: Agents authenticate with this value; generate one with:\n  openssl rand -hex 16")
	}
	if s.CipherKey == "" {
		return fmt.Errorf("configuration error: 'server.cipher_key' is empty\n\nHint: Account credentials are stored encrypted; generate a key with:\n  openssl rand -hex 32")
	}
	if s.PushBaseURL == "" {
		return fmt.Errorf("configuration error: 'server.push_base_url' is empty\n\nHint: This is the URL terminal plugins publish snapshots to, e.g.\n  \"push_base_url\": \"https://copy.example.com\"")
	}
	if s.Postgres.Host == "" || s.Postgres.Database == "" {
		return fmt.Errorf("configuration error: 'server.postgres' needs at least 'host' and 'database'")
	}
	return nil
}

// Validate checks the agent section. Paths are validated for presence
// only; they are deployment-supplied.
func (a *AgentConfig) Validate() error {
	if a.CoordinatorURL == "" {
		return fmt.Errorf("configuration error: 'agent.coordinator_url' is empty\n\nHint: Point the agent at the coordinator, e.g.\n  \"coordinator_url\": \"https://copy.example.com\"")
	}
	if a.SharedSecret == "" {
		return fmt.Errorf("configuration error: 'agent.shared_secret' is empty\n\nHint: Must match the coordinator's 'server.shared_secret'")
	}
	if a.InstancesRoot == "" {
		return fmt.Errorf("configuration error: 'agent.instances_root' is empty\n\nHint: Per-tenant isolated roots are created under this directory, e.g.\n  \"instances_root\": \"/opt/copytrade/instances\"")
	}
	if a.TerminalSetup == "" {
		return fmt.Errorf("configuration error: 'agent.terminal_setup' is empty\n\nHint: Path to the terminal's unattended installer executable")
	}
	if a.PluginPath == "" {
		return fmt.Errorf("configuration error: 'agent.plugin_path' is empty\n\nHint: Path to the compiled trading plugin deployed into each instance")
	}
	return nil
}

// LoadFromFile loads a configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600
// permissions; it contains secrets.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
