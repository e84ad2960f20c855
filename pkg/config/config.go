// Copyright 2025 Hanibal Sk
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the orchestrator configuration.
//
// Configuration comes from a YAML file with ${ENV_VAR} substitution, plus a
// set of recognized environment variables that fill in values the file leaves
// unset. Every
// config struct follows the SetDefaults/Validate convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Recognized environment variables.
const (
	EnvStoragePath       = "ORCHESTRATE_DB_PATH"
	EnvGitHubToken       = "GITHUB_TOKEN"
	EnvWebhookSecret     = "ORCHESTRATE_WEBHOOK_SECRET"
	EnvDispatcherWorkers = "ORCHESTRATE_DISPATCHER_WORKERS"
	EnvShepherdPool      = "ORCHESTRATE_SHEPHERD_POOL"
	EnvAgentCap          = "ORCHESTRATE_AGENT_CAP"

	// EnvDefaultMaxTurns is declared but not read by any config struct; turn
	// budgets come only from the kind registry and each kind's max_turns.
	EnvDefaultMaxTurns = "ORCHESTRATE_MAX_TURNS"
)

// Config is the root configuration for the orchestrator.
type Config struct {
	Storage    StorageConfig             `yaml:"storage"`
	Server     ServerConfig              `yaml:"server"`
	GitHub     GitHubConfig              `yaml:"github"`
	Webhook    WebhookConfig             `yaml:"webhook"`
	Pools      PoolsConfig               `yaml:"pools"`
	Workspaces WorkspacesConfig          `yaml:"workspaces"`
	Retention  RetentionConfig           `yaml:"retention"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Tracing    TracingConfig             `yaml:"tracing"`
	Agents     map[string]KindConfig     `yaml:"agents"`
	Policy     PolicyConfig              `yaml:"policy"`
	Runtime    RuntimeConfig             `yaml:"runtime"`
}

// RuntimeConfig configures the opaque agent runtime.
type RuntimeConfig struct {
	// Command is the subprocess invoked per agent turn. It receives the turn
	// request as JSON on stdin and replies with JSON on stdout. Empty means
	// the built-in no-op runtime, useful for dry runs.
	Command []string `yaml:"command"`

	// TurnTimeout bounds one subprocess turn.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

func (c *RuntimeConfig) SetDefaults() {
	if c.TurnTimeout == 0 {
		c.TurnTimeout = 10 * time.Minute
	}
}

// StorageConfig locates the embedded state store.
type StorageConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Path == "" {
		if env := os.Getenv(EnvStoragePath); env != "" {
			c.Path = env
		} else {
			c.Path = "orchestrate.db"
		}
	}
}

func (c *StorageConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	return nil
}

// ServerConfig configures the HTTP server (webhook ingress + control surface).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthToken, when set, is required as a bearer token on control-surface
	// endpoints. Webhook ingress is authenticated by signature instead.
	AuthToken string `yaml:"auth_token"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Port)
	}
	return nil
}

// GitHubConfig configures the hosting-platform client.
type GitHubConfig struct {
	Token string `yaml:"token"`

	// Owner and Repo identify the repository the orchestrator manages.
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`

	// BaseURL overrides the API endpoint for GitHub Enterprise.
	BaseURL string `yaml:"base_url"`

	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

func (c *GitHubConfig) SetDefaults() {
	if c.Token == "" {
		c.Token = os.Getenv(EnvGitHubToken)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
}

func (c *GitHubConfig) Validate() error {
	if c.Owner == "" || c.Repo == "" {
		return fmt.Errorf("github owner and repo are required")
	}
	return nil
}

// WebhookConfig configures webhook ingress and per-event handling.
type WebhookConfig struct {
	// Secret is the HMAC-SHA-256 secret shared with the hosting platform.
	// Supports ${ENV_VAR} substitution in the config file.
	Secret string `yaml:"secret"`

	// Events maps "<event_type>.<action>" to a handler entry with an
	// optional filter. Unlisted events are processed with no filter.
	Events map[string]EventConfig `yaml:"events"`

	MaxRetries   int           `yaml:"max_retries"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	ClaimBatch   int           `yaml:"claim_batch"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c *WebhookConfig) SetDefaults() {
	if c.Secret == "" {
		c.Secret = os.Getenv(EnvWebhookSecret)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.ClaimBatch == 0 {
		c.ClaimBatch = 10
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
}

func (c *WebhookConfig) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	for key, ev := range c.Events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("event %q: %w", key, err)
		}
	}
	return nil
}

// PoolsConfig bounds the concurrency of the runtime.
type PoolsConfig struct {
	DispatcherWorkers int `yaml:"dispatcher_workers"`
	ShepherdPool      int `yaml:"shepherd_pool"`
	AgentCap          int `yaml:"agent_cap"`

	// WatchdogInterval is how long a shepherd waits without external events
	// before republishing a re-check event for its PR.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
}

func (c *PoolsConfig) SetDefaults() {
	if c.DispatcherWorkers == 0 {
		c.DispatcherWorkers = envInt(EnvDispatcherWorkers, 5)
	}
	if c.ShepherdPool == 0 {
		c.ShepherdPool = envInt(EnvShepherdPool, 3)
	}
	if c.AgentCap == 0 {
		c.AgentCap = envInt(EnvAgentCap, 8)
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 5 * time.Minute
	}
}

func (c *PoolsConfig) Validate() error {
	if c.DispatcherWorkers < 1 {
		return fmt.Errorf("dispatcher_workers must be at least 1")
	}
	if c.ShepherdPool < 1 {
		return fmt.Errorf("shepherd_pool must be at least 1")
	}
	if c.AgentCap < 1 {
		return fmt.Errorf("agent_cap must be at least 1")
	}
	return nil
}

// WorkspacesConfig configures the worktree registry.
type WorkspacesConfig struct {
	// Root is the directory under which workspace checkouts are created.
	Root string `yaml:"root"`

	// RepoPath is the local clone of the managed repository that worktrees
	// are created from.
	RepoPath string `yaml:"repo_path"`

	// BaseBranch is the default branch new workspaces fork from.
	BaseBranch string `yaml:"base_branch"`

	// SweepInterval is how often the stale-workspace sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (c *WorkspacesConfig) SetDefaults() {
	if c.Root == "" {
		c.Root = "workspaces"
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
}

func (c *WorkspacesConfig) Validate() error {
	if c.RepoPath == "" {
		return fmt.Errorf("workspaces repo_path is required")
	}
	return nil
}

// RetentionConfig controls pruning of terminal agents and transcripts.
type RetentionConfig struct {
	// AgentTTL is how long terminal agents and their transcripts are kept.
	// Zero, like an absent value, selects the 30-day default; a negative
	// value disables pruning.
	AgentTTL time.Duration `yaml:"agent_ttl"`
}

func (c *RetentionConfig) SetDefaults() {
	if c.AgentTTL == 0 {
		c.AgentTTL = 30 * 24 * time.Hour
	}
}

// MetricsConfig configures the Prometheus recorder.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "orchestrate"
	}
}

// TracingConfig configures the otel tracer.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// KindConfig declares an agent kind from configuration. Built-in kinds may be
// overridden; new kinds must carry an explicit tool allow-list.
type KindConfig struct {
	MaxTurns     int      `yaml:"max_turns"`
	AllowedTools []string `yaml:"allowed_tools"`
	TaskTemplate string   `yaml:"task_template"`
}

// PolicyConfig holds policy knobs the source left open.
type PolicyConfig struct {
	// AutoMerge merges a PR whose CI is green even when no approving review
	// is present yet. Default off.
	AutoMerge bool `yaml:"auto_merge"`
}

// EventConfig is one entry of the webhook events map.
type EventConfig struct {
	// Agent is the nominal agent label for the event.
	Agent string `yaml:"agent"`

	// Filter optionally drops events before any handler runs.
	Filter *FilterConfig `yaml:"filter"`
}

func (c *EventConfig) Validate() error {
	if c.Agent == "" {
		return fmt.Errorf("agent label is required")
	}
	return nil
}

// FilterConfig drops events by attribute. Conditions combine with AND;
// list-valued conditions are OR within the list.
type FilterConfig struct {
	BaseBranch []string `yaml:"base_branch"`
	SkipForks  bool     `yaml:"skip_forks"`
	Conclusion []string `yaml:"conclusion"`
	Labels     []string `yaml:"labels"`
	Author     []string `yaml:"author"`
	Paths      []string `yaml:"paths"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Storage.SetDefaults()
	c.Server.SetDefaults()
	c.GitHub.SetDefaults()
	c.Webhook.SetDefaults()
	c.Pools.SetDefaults()
	c.Workspaces.SetDefaults()
	c.Retention.SetDefaults()
	c.Metrics.SetDefaults()
	c.Runtime.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.GitHub.Validate(); err != nil {
		return fmt.Errorf("github: %w", err)
	}
	if err := c.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if err := c.Pools.Validate(); err != nil {
		return fmt.Errorf("pools: %w", err)
	}
	if err := c.Workspaces.Validate(); err != nil {
		return fmt.Errorf("workspaces: %w", err)
	}
	for name, kind := range c.Agents {
		if kind.MaxTurns < 0 {
			return fmt.Errorf("agent kind %q: max_turns must not be negative", name)
		}
	}
	return nil
}

// Load reads, env-expands, and parses a YAML config file. Defaults are set
// and the result validated.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML config bytes with env expansion applied.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded := ExpandEnvVarsInData(raw)

	// Round-trip through YAML so expanded values land in typed fields.
	out, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
