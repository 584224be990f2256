package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultContextWindow is the fallback context window size (in tokens) used
// when a turn-result carries no per-model usage window.
const DefaultContextWindow = 200000

type Config struct {
	Server ServerConfig `yaml:"server"`
	Broker BrokerConfig `yaml:"broker"`
	Scan   ScanConfig   `yaml:"scan"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxConnections int      `yaml:"max_connections"`
}

// BrokerConfig holds the timing and sizing knobs for session runtimes.
// FlushInterval and PromptAckTimeout are loaded and diffed but not read by
// the runtime or the transport: the conflator flushes on a fixed 50ms
// timer, and prompt submission has no acknowledgement timeout.
type BrokerConfig struct {
	FlushInterval          time.Duration `yaml:"flush_interval"`
	GracePeriod            time.Duration `yaml:"grace_period"`
	InitTimeout            time.Duration `yaml:"init_timeout"`
	KillEscalationDelay    time.Duration `yaml:"kill_escalation_delay"`
	PromptAckTimeout       time.Duration `yaml:"prompt_ack_timeout"`
	RingBufferSize         int           `yaml:"ring_buffer_size"`
	CompactionDropFraction float64       `yaml:"compaction_drop_fraction"`
	CompactionMinTokens    int           `yaml:"compaction_min_tokens"`
	DefaultContextWindow   int           `yaml:"default_context_window"`
	SSEPingInterval        time.Duration `yaml:"sse_ping_interval"`
	RecordsDebounce        time.Duration `yaml:"records_debounce"`
	OrphanMaxAge           time.Duration `yaml:"orphan_max_age"`
	StderrRingLines        int           `yaml:"stderr_ring_lines"`
	MaxUploadBytes         int64         `yaml:"max_upload_bytes"`
	MaxPromptBytes         int64         `yaml:"max_prompt_bytes"`
}

// ScanConfig controls the folder scanner (§4.A). NameMaxLength is not read:
// the scanner's name policy has a fixed 64-character limit.
type ScanConfig struct {
	Root          string `yaml:"root"`
	NameMaxLength int    `yaml:"name_max_length"`
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault loads config from the given path, or returns default config
// if the path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3001,
			Host:           "127.0.0.1",
			MaxConnections: 1000,
		},
		Broker: BrokerConfig{
			FlushInterval:          50 * time.Millisecond,
			GracePeriod:            60 * time.Second,
			InitTimeout:            30 * time.Second,
			KillEscalationDelay:    2 * time.Second,
			PromptAckTimeout:       10 * time.Second,
			RingBufferSize:         256,
			CompactionDropFraction: 0.15,
			CompactionMinTokens:    20000,
			DefaultContextWindow:   DefaultContextWindow,
			SSEPingInterval:        30 * time.Second,
			RecordsDebounce:        500 * time.Millisecond,
			OrphanMaxAge:           24 * time.Hour,
			StderrRingLines:        20,
			MaxUploadBytes:         0,
			MaxPromptBytes:         1 << 20, // 1 MiB
		},
		Scan: ScanConfig{
			NameMaxLength: 64,
		},
	}
}

// ContextWindow returns the default context window: the configured
// broker.default_context_window, or DefaultContextWindow when that is not
// positive. It takes no model name; a window the child reports in a
// turn-result's per-model usage takes precedence over it in the state
// builder.
func (c *Config) ContextWindow() int {
	if c.Broker.DefaultContextWindow > 0 {
		return c.Broker.DefaultContextWindow
	}
	return DefaultContextWindow
}

func defaultStateDir() string {
	if value := os.Getenv("XDG_STATE_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "state")
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "gueridon", "config.yaml")
}

// DefaultRecordsPath returns the default path of the orphan-reaper records
// file (§4.H, §6).
func DefaultRecordsPath() string {
	return filepath.Join(defaultStateDir(), "gueridon", "sessions.json")
}

// Diff compares two configs and returns human-readable descriptions of what
// changed, for the subset of fields that are safe to reload at runtime.
func Diff(old, new *Config) []string {
	var changes []string

	if old.Broker.FlushInterval != new.Broker.FlushInterval {
		changes = append(changes, fmt.Sprintf("broker.flush_interval: %s → %s", old.Broker.FlushInterval, new.Broker.FlushInterval))
	}
	if old.Broker.GracePeriod != new.Broker.GracePeriod {
		changes = append(changes, fmt.Sprintf("broker.grace_period: %s → %s", old.Broker.GracePeriod, new.Broker.GracePeriod))
	}
	if old.Broker.InitTimeout != new.Broker.InitTimeout {
		changes = append(changes, fmt.Sprintf("broker.init_timeout: %s → %s", old.Broker.InitTimeout, new.Broker.InitTimeout))
	}
	if old.Broker.CompactionDropFraction != new.Broker.CompactionDropFraction {
		changes = append(changes, fmt.Sprintf("broker.compaction_drop_fraction: %.2f → %.2f", old.Broker.CompactionDropFraction, new.Broker.CompactionDropFraction))
	}
	if old.Broker.CompactionMinTokens != new.Broker.CompactionMinTokens {
		changes = append(changes, fmt.Sprintf("broker.compaction_min_tokens: %d → %d", old.Broker.CompactionMinTokens, new.Broker.CompactionMinTokens))
	}
	if old.Broker.DefaultContextWindow != new.Broker.DefaultContextWindow {
		changes = append(changes, fmt.Sprintf("broker.default_context_window: %d → %d", old.Broker.DefaultContextWindow, new.Broker.DefaultContextWindow))
	}
	if old.Broker.RingBufferSize != new.Broker.RingBufferSize {
		changes = append(changes, fmt.Sprintf("broker.ring_buffer_size: %d → %d", old.Broker.RingBufferSize, new.Broker.RingBufferSize))
	}
	if old.Scan.Root != new.Scan.Root {
		changes = append(changes, fmt.Sprintf("scan.root: %s → %s", old.Scan.Root, new.Scan.Root))
	}
	if len(old.Server.AllowedOrigins) != len(new.Server.AllowedOrigins) {
		changes = append(changes, "server.allowed_origins: changed")
	} else {
		for i := range old.Server.AllowedOrigins {
			if old.Server.AllowedOrigins[i] != new.Server.AllowedOrigins[i] {
				changes = append(changes, "server.allowed_origins: changed")
				break
			}
		}
	}

	return changes
}
