// Package config loads bee's settings from defaults, bee.yaml, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jeanhaley32/sapphire-bee/internal/constants"
)

// Config is the fully resolved configuration.
type Config struct {
	ProjectPath     string        `mapstructure:"project_path"`
	StagingPath     string        `mapstructure:"staging_path"`
	StateDir        string        `mapstructure:"state_dir"`
	ProjectName     string        `mapstructure:"project_name"`
	Image           string        `mapstructure:"image"`
	AllowlistFile   string        `mapstructure:"allowlist_file"`
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
	Sandbox         SandboxConfig `mapstructure:"sandbox"`
	Agent           AgentConfig   `mapstructure:"agent"`
	Queue           QueueConfig   `mapstructure:"queue"`
	GitHub          GitHubConfig  `mapstructure:"github"`
	Pool            PoolConfig    `mapstructure:"pool"`
	Log             LogConfig     `mapstructure:"log"`
}

// SandboxConfig holds the agent container's resource limits.
type SandboxConfig struct {
	Memory    string  `mapstructure:"memory"`
	CPUs      float64 `mapstructure:"cpus"`
	PidsLimit int     `mapstructure:"pids_limit"`
}

// AgentConfig describes how the Claude CLI is invoked for a task.
type AgentConfig struct {
	Command   string   `mapstructure:"command"`
	Model     string   `mapstructure:"model"`
	ExtraArgs []string `mapstructure:"extra_args"`
	WorkDir   string   `mapstructure:"workdir"`
}

type QueueConfig struct {
	Root         string        `mapstructure:"root"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
}

type GitHubConfig struct {
	AppID          string `mapstructure:"app_id"`
	InstallationID string `mapstructure:"installation_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	APIURL         string `mapstructure:"api_url"`
	Repo           string `mapstructure:"repo"`
	Token          string `mapstructure:"token"`
}

// AppConfigured reports whether all three GitHub App settings are present.
func (g GitHubConfig) AppConfigured() bool {
	return g.AppID != "" && g.InstallationID != "" && g.PrivateKeyPath != ""
}

type PoolConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	WorkerID     string        `mapstructure:"worker_id"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  bool   `mapstructure:"file"`
}

// LoadOptions points Load at optional files. Empty paths use the defaults
// (bee.yaml and .env in the working directory, both optional).
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
	WorkDir    string
}

// legacyEnv maps config keys to the bare variable names the .env file and the
// compose files have always used.
var legacyEnv = map[string][]string{
	"anthropic_api_key":       {"ANTHROPIC_API_KEY"},
	"project_path":            {"PROJECT_PATH"},
	"staging_path":            {"STAGING_PATH"},
	"github.app_id":           {"GITHUB_APP_ID"},
	"github.installation_id":  {"GITHUB_APP_INSTALLATION_ID"},
	"github.private_key_path": {"GITHUB_APP_PRIVATE_KEY_PATH"},
	"github.repo":             {"GITHUB_REPOSITORY"},
	"github.token":            {"GITHUB_TOKEN", "GITHUB_PERSONAL_ACCESS_TOKEN"},
	"sandbox.memory":          {"SANDBOX_MEMORY"},
	"sandbox.cpus":            {"SANDBOX_CPUS"},
	"sandbox.pids_limit":      {"SANDBOX_PIDS_LIMIT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", constants.StateDirName)
	v.SetDefault("image", constants.DefaultImageName)
	v.SetDefault("allowlist_file", "")
	v.SetDefault("sandbox.memory", constants.DefaultMemory)
	v.SetDefault("sandbox.cpus", constants.DefaultCPUs)
	v.SetDefault("sandbox.pids_limit", constants.DefaultPidsLimit)
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.extra_args", []string{})
	v.SetDefault("queue.root", "")
	v.SetDefault("queue.poll_interval", 5*time.Second)
	v.SetDefault("queue.task_timeout", 30*time.Minute)
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("pool.workers", 1)
	v.SetDefault("pool.poll_interval", 60*time.Second)
	v.SetDefault("pool.lease_ttl", 2*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", true)
}

// Load resolves the configuration. The returned viper instance lets commands bind flags.
func Load(opts LoadOptions) (*Config, *viper.Viper, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		workDir = wd
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, opts.ConfigFile, workDir); err != nil {
		return nil, nil, err
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = filepath.Join(workDir, ".env")
	}
	if err := applyDotEnv(envFile, opts.EnvFile != ""); err != nil {
		return nil, nil, err
	}

	v.SetEnvPrefix("BEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		envNames := append([]string{"BEE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(append([]string{key}, envNames...)...); err != nil {
			return nil, nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg, err := Decode(v, workDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals v and resolves relative paths against workDir.
func Decode(v *viper.Viper, workDir string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths(workDir)
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, explicit, workDir string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName("bee")
	v.SetConfigType("yaml")
	v.AddConfigPath(workDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read bee.yaml: %w", err)
	}
	return nil
}

// applyDotEnv exports .env entries into the process environment without
// overriding variables that are already set, matching `set -a; . ./.env`.
func applyDotEnv(path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}

	ev := viper.New()
	ev.SetConfigFile(path)
	ev.SetConfigType("env")
	if err := ev.ReadInConfig(); err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}

	for _, key := range ev.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, ev.GetString(key)); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) resolvePaths(workDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workDir, p)
	}

	c.StateDir = abs(c.StateDir)
	c.ProjectPath = abs(c.ProjectPath)
	c.StagingPath = abs(c.StagingPath)
	c.AllowlistFile = abs(c.AllowlistFile)
	c.GitHub.PrivateKeyPath = abs(c.GitHub.PrivateKeyPath)
	if c.Queue.Root == "" {
		c.Queue.Root = filepath.Join(c.StateDir, "tasks")
	}
	c.Queue.Root = abs(c.Queue.Root)
	c.GitHub.APIURL = strings.TrimRight(c.GitHub.APIURL, "/")
}

// RenderedDir is where Corefile, hosts.allowlist and nginx configs are written.
func (c *Config) RenderedDir() string {
	return filepath.Join(c.StateDir, constants.RenderedSubdir)
}

// LogFile is bee's JSON log path.
func (c *Config) LogFile() string {
	return filepath.Join(c.StateDir, constants.LogsSubdir, "bee.log")
}

// HistoryDB is the SQLite run history path.
func (c *Config) HistoryDB() string {
	return filepath.Join(c.StateDir, constants.HistoryDBFile)
}
