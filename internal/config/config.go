// Package config loads and layers the runtime's JSON configuration file:
// built-in defaults, then a global user-scope file, then the project
// file, then environment-variable overrides (spec.md §6). The merge
// itself is grounded on flemzord-sclaw's internal/config/loader.go
// read-then-overlay shape, retargeted from YAML+env-interpolation to
// JSON+explicit four-layer precedence. Loading a `.env` file ahead of the
// env-override layer is grounded on
// vinayprograms-agent/cmd/agent/main.go's `_ = godotenv.Load()` call.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/corvidrun/corvid/internal/coretypes"
)

// ProviderConfig is one entry of models.providers.
type ProviderConfig struct {
	Type       string  `json:"type"`
	Model      string  `json:"model"`
	APIKey     string  `json:"apiKey,omitempty"`
	BaseURL    string  `json:"baseUrl,omitempty"`
	Deployment string  `json:"deployment,omitempty"`
	APIVersion string  `json:"apiVersion,omitempty"`
	MaxTokens  int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// RoutingConfig is models.routing.
type RoutingConfig struct {
	DefaultProvider string            `json:"defaultProvider,omitempty"`
	OfflineFirst    bool              `json:"offlineFirst,omitempty"`
	FallbackChain   []string          `json:"fallbackChain,omitempty"`
	SkillOverrides  map[string]string `json:"skillOverrides,omitempty"`
}

// ModelsConfig is the `models` section.
type ModelsConfig struct {
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Routing   RoutingConfig             `json:"routing,omitempty"`
}

// FileConfig is the on-disk JSON shape of a single config layer.
type FileConfig struct {
	Models ModelsConfig             `json:"models,omitempty"`
	Policy coretypes.PolicyConfig   `json:"policy,omitempty"`
	Tools  coretypes.ToolsConfig    `json:"tools,omitempty"`
	Skills coretypes.SkillsConfig   `json:"skills,omitempty"`
	Daemon coretypes.DaemonConfig   `json:"daemon,omitempty"`
}

// Defaults returns the built-in configuration layer.
func Defaults() FileConfig {
	return FileConfig{
		Policy: coretypes.PolicyConfig{DefaultApproval: coretypes.ActionConfirm},
		Tools: coretypes.ToolsConfig{
			Enabled:    []string{"*"},
			TimeoutMS:  30_000,
			MaxRetries: 0,
			ResourceLimits: coretypes.ResourceLimits{
				MaxDiskWriteMiB: 0,
				MaxCPUSeconds:   0,
				MaxMemoryMiB:    0,
			},
		},
		Daemon: coretypes.DaemonConfig{
			Timezone:             "UTC",
			WatcherDebounceMS:    500,
			PidFile:              ".agent/daemon.pid",
			ProposalHorizonHours: 168,
		},
	}
}

// Load layers: built-in defaults, then globalPath (if present), then
// projectPath (if present), then environment-variable overrides. A
// project-root `.env` file, if present, is loaded into the process
// environment ahead of those overrides.
func Load(globalPath, projectPath string) (*FileConfig, error) {
	loadDotEnv(projectPath)

	cfg := Defaults()

	if globalPath != "" {
		if err := overlayFile(&cfg, globalPath); err != nil {
			return nil, err
		}
	}
	if projectPath != "" {
		if err := overlayFile(&cfg, projectPath); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// loadDotEnv loads a `.env` file into the process environment before
// applyEnvOverrides reads it, matching
// vinayprograms-agent/cmd/agent/main.go's `_ = godotenv.Load()`. projectPath
// is `<projectRoot>/.agent/config.json`, so its grandparent directory is
// the project root; an empty projectPath falls back to godotenv's own
// default lookup (a `.env` file in the current working directory). A
// missing file is not an error — `.env` is optional everywhere it's
// checked.
func loadDotEnv(projectPath string) {
	if projectPath == "" {
		_ = godotenv.Load()
		return
	}
	root := filepath.Dir(filepath.Dir(projectPath))
	_ = godotenv.Load(filepath.Join(root, ".env"))
}

func overlayFile(cfg *FileConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	var layer FileConfig
	if err := json.Unmarshal(raw, &layer); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	merge(cfg, &layer)
	return nil
}

// merge overlays non-zero fields of layer onto cfg. Slices and maps fully
// replace the base layer's value when present; scalars overwrite when set.
func merge(base, layer *FileConfig) {
	if layer.Models.Providers != nil {
		if base.Models.Providers == nil {
			base.Models.Providers = map[string]ProviderConfig{}
		}
		for k, v := range layer.Models.Providers {
			base.Models.Providers[k] = v
		}
	}
	if layer.Models.Routing.DefaultProvider != "" {
		base.Models.Routing.DefaultProvider = layer.Models.Routing.DefaultProvider
	}
	if layer.Models.Routing.OfflineFirst {
		base.Models.Routing.OfflineFirst = true
	}
	if len(layer.Models.Routing.FallbackChain) > 0 {
		base.Models.Routing.FallbackChain = layer.Models.Routing.FallbackChain
	}
	if len(layer.Models.Routing.SkillOverrides) > 0 {
		if base.Models.Routing.SkillOverrides == nil {
			base.Models.Routing.SkillOverrides = map[string]string{}
		}
		for k, v := range layer.Models.Routing.SkillOverrides {
			base.Models.Routing.SkillOverrides[k] = v
		}
	}

	if layer.Policy.DefaultApproval != "" {
		base.Policy.DefaultApproval = layer.Policy.DefaultApproval
	}
	if len(layer.Policy.Rules) > 0 {
		base.Policy.Rules = layer.Policy.Rules
	}
	if len(layer.Policy.FilesystemAllowlist) > 0 {
		base.Policy.FilesystemAllowlist = layer.Policy.FilesystemAllowlist
	}
	if len(layer.Policy.CommandAllowlist) > 0 {
		base.Policy.CommandAllowlist = layer.Policy.CommandAllowlist
	}
	if len(layer.Policy.DomainAllowlist) > 0 {
		base.Policy.DomainAllowlist = layer.Policy.DomainAllowlist
	}

	if len(layer.Tools.Enabled) > 0 {
		base.Tools.Enabled = layer.Tools.Enabled
	}
	if layer.Tools.TimeoutMS > 0 {
		base.Tools.TimeoutMS = layer.Tools.TimeoutMS
	}
	if layer.Tools.MaxRetries > 0 {
		base.Tools.MaxRetries = layer.Tools.MaxRetries
	}
	if layer.Tools.ResourceLimits.MaxDiskWriteMiB > 0 {
		base.Tools.ResourceLimits.MaxDiskWriteMiB = layer.Tools.ResourceLimits.MaxDiskWriteMiB
	}
	if layer.Tools.ResourceLimits.MaxCPUSeconds > 0 {
		base.Tools.ResourceLimits.MaxCPUSeconds = layer.Tools.ResourceLimits.MaxCPUSeconds
	}
	if layer.Tools.ResourceLimits.MaxMemoryMiB > 0 {
		base.Tools.ResourceLimits.MaxMemoryMiB = layer.Tools.ResourceLimits.MaxMemoryMiB
	}

	if len(layer.Skills.InstallPaths) > 0 {
		base.Skills.InstallPaths = layer.Skills.InstallPaths
	}
	if layer.Skills.RegistryURL != "" {
		base.Skills.RegistryURL = layer.Skills.RegistryURL
	}

	if layer.Daemon.Timezone != "" {
		base.Daemon.Timezone = layer.Daemon.Timezone
	}
	if layer.Daemon.WatcherDebounceMS > 0 {
		base.Daemon.WatcherDebounceMS = layer.Daemon.WatcherDebounceMS
	}
	if layer.Daemon.PidFile != "" {
		base.Daemon.PidFile = layer.Daemon.PidFile
	}
	if layer.Daemon.ProposalHorizonHours > 0 {
		base.Daemon.ProposalHorizonHours = layer.Daemon.ProposalHorizonHours
	}
}

// envBinding maps a recognized environment variable to a fixed config path.
type envBinding struct {
	env   string
	apply func(cfg *FileConfig, value string)
}

var envBindings = []envBinding{
	{"AZURE_API_KEY", func(c *FileConfig, v string) { setProviderField(c, "azure", func(p *ProviderConfig) { p.APIKey = v }) }},
	{"AZURE_API_BASE", func(c *FileConfig, v string) { setProviderField(c, "azure", func(p *ProviderConfig) { p.BaseURL = v }) }},
	{"AZURE_DEPLOYMENT_NAME", func(c *FileConfig, v string) { setProviderField(c, "azure", func(p *ProviderConfig) { p.Deployment = v }) }},
	{"AZURE_API_VERSION", func(c *FileConfig, v string) { setProviderField(c, "azure", func(p *ProviderConfig) { p.APIVersion = v }) }},
	{"AGENT_OPENAI_API_KEY", func(c *FileConfig, v string) { setProviderField(c, "openai", func(p *ProviderConfig) { p.APIKey = v }) }},
	{"AGENT_ANTHROPIC_API_KEY", func(c *FileConfig, v string) { setProviderField(c, "anthropic", func(p *ProviderConfig) { p.APIKey = v }) }},
	{"AGENT_DEFAULT_PROVIDER", func(c *FileConfig, v string) { c.Models.Routing.DefaultProvider = v }},
	{"AGENT_OFFLINE_FIRST", func(c *FileConfig, v string) { c.Models.Routing.OfflineFirst = coerceBool(v) }},
}

func setProviderField(c *FileConfig, name string, set func(*ProviderConfig)) {
	if c.Models.Providers == nil {
		c.Models.Providers = map[string]ProviderConfig{}
	}
	p := c.Models.Providers[name]
	set(&p)
	c.Models.Providers[name] = p
}

// applyEnvOverrides applies every recognized environment variable present
// in the process environment. Boolean-like and numeric-like values are
// coerced per spec.md §6.
func applyEnvOverrides(cfg *FileConfig) {
	for _, b := range envBindings {
		if v, ok := os.LookupEnv(b.env); ok {
			b.apply(cfg, v)
		}
	}
}

func coerceBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// Snapshot converts a loaded FileConfig into the immutable ConfigSnapshot
// threaded through an ExecutionContext.
func (c *FileConfig) Snapshot() *coretypes.ConfigSnapshot {
	return &coretypes.ConfigSnapshot{
		Policy: c.Policy,
		Tools:  c.Tools,
		Skills: c.Skills,
		Daemon: c.Daemon,
	}
}

// ProjectConfigDir returns the `.agent` directory path for a project root.
func ProjectConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".agent")
}

// ProjectConfigPath returns the path to the project-scoped config.json.
func ProjectConfigPath(projectRoot string) string {
	return filepath.Join(ProjectConfigDir(projectRoot), "config.json")
}

// GlobalConfigPath returns the path to the user-scoped config.json.
func GlobalConfigPath(homeDir string) string {
	return filepath.Join(homeDir, ".agent", "config.json")
}
