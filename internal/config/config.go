// Package config provides YAML-based configuration loading for tavernbridge.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/echograph/tavernbridge/internal/health"
)

// DefaultAPIBaseURL is where the knowledge-graph backend listens by default.
const DefaultAPIBaseURL = "http://127.0.0.1:9543"

// Config is the top-level configuration, loaded from tavernbridge.yaml.
type Config struct {
	Enabled           bool              `yaml:"enabled"`
	APIBaseURL        string            `yaml:"api_base_url"`
	AutoInitialize    bool              `yaml:"auto_initialize"`
	ShowNotifications bool              `yaml:"show_notifications"`
	DebugMode         bool              `yaml:"debug_mode"`
	MaxContextLength  int               `yaml:"max_context_length"`
	SlidingWindow     SlidingWindow     `yaml:"sliding_window"`
	MemoryEnhancement MemoryEnhancement `yaml:"memory_enhancement"`
	Health            health.Config     `yaml:"health"`
	Timeouts          Timeouts          `yaml:"timeouts"`
	Storage           StorageConfig     `yaml:"storage"`
	Bridge            BridgeConfig      `yaml:"bridge"`
	Host              HostConfig        `yaml:"host"`
}

// SlidingWindow is forwarded to the backend as part of the session config.
type SlidingWindow struct {
	WindowSize               int  `yaml:"window_size" json:"window_size"`
	ProcessingDelay          int  `yaml:"processing_delay" json:"processing_delay"`
	EnableEnhancedAgent      bool `yaml:"enable_enhanced_agent" json:"enable_enhanced_agent"`
	EnableConflictResolution bool `yaml:"enable_conflict_resolution" json:"enable_conflict_resolution"`
}

// MemoryEnhancement tunes how much context is asked for per prompt.
type MemoryEnhancement struct {
	HotMemoryTurns                 int  `yaml:"hot_memory_turns"`
	EnableWorldBookIntegration     bool `yaml:"enable_world_book_integration"`
	EnableCharacterCardEnhancement bool `yaml:"enable_character_card_enhancement"`
}

// Timeouts are per-action RPC deadlines.
type Timeouts struct {
	Default             time.Duration `yaml:"default"`
	SubmitCharacter     time.Duration `yaml:"submit_character"`
	CurrentSession      time.Duration `yaml:"current_session"`
	Initialize          time.Duration `yaml:"initialize"`
	EnhancePrompt       time.Duration `yaml:"enhance_prompt"`
	SyncConversation    time.Duration `yaml:"sync_conversation"`
	ProcessConversation time.Duration `yaml:"process_conversation"`
	Stats               time.Duration `yaml:"stats"`
}

// StorageConfig locates the local session ledger and wire traces.
type StorageConfig struct {
	DBPath   string `yaml:"db_path"`
	TraceDir string `yaml:"trace_dir"`
}

// BridgeConfig configures the local HTTP bridge the chat host talks to.
type BridgeConfig struct {
	Listen string `yaml:"listen"`
}

// HostConfig points the file-backed host context at its inputs.
type HostConfig struct {
	CharacterFile string `yaml:"character_file"`
	ChatFile      string `yaml:"chat_file"`
}

// DefaultTimeouts returns the stock per-action deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default:             20 * time.Second,
		SubmitCharacter:     10 * time.Second,
		CurrentSession:      10 * time.Second,
		Initialize:          60 * time.Second,
		EnhancePrompt:       20 * time.Second,
		SyncConversation:    15 * time.Second,
		ProcessConversation: 25 * time.Second,
		Stats:               10 * time.Second,
	}
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		APIBaseURL:        DefaultAPIBaseURL,
		AutoInitialize:    true,
		ShowNotifications: true,
		DebugMode:         false,
		MaxContextLength:  4000,
		SlidingWindow: SlidingWindow{
			WindowSize:               4,
			ProcessingDelay:          1,
			EnableEnhancedAgent:      true,
			EnableConflictResolution: true,
		},
		MemoryEnhancement: MemoryEnhancement{
			HotMemoryTurns:                 5,
			EnableWorldBookIntegration:     true,
			EnableCharacterCardEnhancement: true,
		},
		Health:   health.DefaultConfig(),
		Timeouts: DefaultTimeouts(),
		Storage: StorageConfig{
			DBPath:   filepath.Join("data", "tavernbridge.db"),
			TraceDir: filepath.Join("data", "traces"),
		},
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:9544",
		},
	}
}

// Load reads a YAML config file from path. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Parse unmarshals YAML bytes over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills zero values an explicit file may have blanked out.
func (c *Config) applyDefaults() {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&c.Timeouts.Default, d.Default)
	fill(&c.Timeouts.SubmitCharacter, d.SubmitCharacter)
	fill(&c.Timeouts.CurrentSession, d.CurrentSession)
	fill(&c.Timeouts.Initialize, d.Initialize)
	fill(&c.Timeouts.EnhancePrompt, d.EnhancePrompt)
	fill(&c.Timeouts.SyncConversation, d.SyncConversation)
	fill(&c.Timeouts.ProcessConversation, d.ProcessConversation)
	fill(&c.Timeouts.Stats, d.Stats)

	fill(&c.Health.Interval, health.DefaultInterval)
	fill(&c.Health.Timeout, health.DefaultTimeout)

	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.MaxContextLength <= 0 {
		c.MaxContextLength = 4000
	}
}

// applyEnvOverrides lets deployment environments override file settings.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TAVERN_API_BASE_URL"); v != "" {
		c.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("TAVERN_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("TAVERN_LISTEN"); v != "" {
		c.Bridge.Listen = v
	}
	if v := os.Getenv("TAVERN_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		c.DebugMode = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	var errs []string

	u, err := url.Parse(c.APIBaseURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("api_base_url: %v", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, "api_base_url must use http or https")
	case u.Host == "":
		errs = append(errs, "api_base_url must include a host")
	}

	if c.SlidingWindow.WindowSize < 1 {
		errs = append(errs, "sliding_window.window_size must be at least 1")
	}
	if c.SlidingWindow.ProcessingDelay < 0 {
		errs = append(errs, "sliding_window.processing_delay must not be negative")
	}
	if c.MemoryEnhancement.HotMemoryTurns < 0 {
		errs = append(errs, "memory_enhancement.hot_memory_turns must not be negative")
	}
	if c.Health.Timeout > c.Health.Interval {
		errs = append(errs, "health.timeout must not exceed health.interval")
	}
	if c.Bridge.Listen == "" {
		errs = append(errs, "bridge.listen is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
