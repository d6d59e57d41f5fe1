// Package config loads and validates the Chorus runtime configuration.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

// Config is the root configuration structure, loaded from a YAML document
// (optionally split across files via "$include", see loader.go).
type Config struct {
	Home         string                  `yaml:"home"`
	DefaultModel string                  `yaml:"default_model"`
	DefaultPermissions string            `yaml:"default_permissions"`
	IdleTimeout  time.Duration           `yaml:"idle_timeout"`
	MaxToolLoopIterations int            `yaml:"max_tool_loop_iterations"`
	MaxBashTimeout time.Duration         `yaml:"max_bash_timeout"`

	Discord  DiscordConfig             `yaml:"discord"`
	Logging  LoggingConfig             `yaml:"logging"`
	Metrics  MetricsConfig             `yaml:"metrics"`
	Permissions map[string]ProfileConfig `yaml:"permissions"`
	Agents   []AgentConfig             `yaml:"agents"`
}

// DiscordConfig configures the Discord chat transport.
type DiscordConfig struct {
	// BotToken is read from the DISCORD_BOT_TOKEN environment variable
	// when empty; never serialized back out.
	BotToken string `yaml:"-"`
	// GuildID, when set, restricts command registration to a single
	// guild (useful for development).
	GuildID string `yaml:"guild_id"`
}

// LoggingConfig selects the slog handler and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ProfileConfig is the on-disk representation of a PermissionProfile:
// ordered regex lists for allow/ask (§4.1 of the specification).
type ProfileConfig struct {
	Allow []string `yaml:"allow"`
	Ask   []string `yaml:"ask"`
}

// AgentConfig is the on-disk representation of an Agent (§3, §6).
type AgentConfig struct {
	Name               string `yaml:"name"`
	ChannelID          string `yaml:"channel_id"`
	Model              string `yaml:"model"`
	SystemPrompt       string `yaml:"system_prompt"`
	PermissionsProfile string `yaml:"permissions_profile"`
	WebSearchEnabled   bool   `yaml:"web_search_enabled"`
	DocsDir            string `yaml:"docs_dir"`
}

// ToModel converts the on-disk AgentConfig to the runtime models.Agent.
func (a AgentConfig) ToModel() models.Agent {
	return models.Agent{
		Name:               a.Name,
		ChannelID:          a.ChannelID,
		Model:              a.Model,
		SystemPrompt:       a.SystemPrompt,
		PermissionsProfile: a.PermissionsProfile,
		WebSearchEnabled:   a.WebSearchEnabled,
		DocsDir:            a.DocsDir,
	}
}

// defaults applied after decoding when the corresponding field is zero.
const (
	DefaultIdleTimeout           = 30 * time.Minute
	DefaultMaxToolLoopIterations = 50
	DefaultMaxBashTimeout        = 2 * time.Minute
)

// applyDefaults fills zero-valued fields with the defaults above.
func (c *Config) applyDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxToolLoopIterations == 0 {
		c.MaxToolLoopIterations = DefaultMaxToolLoopIterations
	}
	if c.MaxBashTimeout == 0 {
		c.MaxBashTimeout = DefaultMaxBashTimeout
	}
	if c.DefaultPermissions == "" {
		c.DefaultPermissions = "standard"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate fails fast on configuration that would otherwise surface as a
// confusing runtime error later (e.g. an invalid permission regex).
func (c *Config) validate() error {
	for name, profile := range c.Permissions {
		if _, err := models.NewPermissionProfile(name, profile.Allow, profile.Ask); err != nil {
			return fmt.Errorf("config: permission profile %q: %w", name, err)
		}
	}
	seen := map[string]bool{}
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("config: agent entry missing name")
		}
		if seen[a.Name] {
			return fmt.Errorf("config: duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
		if _, ok := c.Permissions[a.PermissionsProfile]; a.PermissionsProfile != "" && !ok {
			return fmt.Errorf("config: agent %q references unknown permission profile %q", a.Name, a.PermissionsProfile)
		}
	}
	if c.Discord.BotToken == "" {
		for _, a := range c.Agents {
			if a.ChannelID != "" {
				return fmt.Errorf("config: agent %q has a channel_id but no Discord bot token is configured", a.Name)
			}
		}
	}
	return nil
}
