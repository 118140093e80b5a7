// Package config loads and validates the pipeline configuration.
//
// Configuration comes from three layers, lowest precedence first: built-in
// defaults, a contimg.yaml file discovered by walking up from the working
// directory, and CONTIMG_* environment variables. The loaded tree is
// unmarshaled into a typed Config and validated before anything runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meridian-obs/contimg/internal/utils"
)

// ConfigFileName is the workspace configuration file contimg looks for.
const ConfigFileName = "contimg.yaml"

// StateDirName is the per-workspace state directory holding the database,
// logs, socket, and lock files.
const StateDirName = ".contimg"

// Config is the full configuration tree.
type Config struct {
	Paths        PathsConfig            `mapstructure:"paths"`
	Ingest       IngestConfig           `mapstructure:"ingest"`
	Orchestrator OrchestratorConfig     `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig        `mapstructure:"scheduler"`
	Stages       map[string]StageConfig `mapstructure:"stages"`
	Calibration  CalibrationConfig      `mapstructure:"calibration"`
	Publish      PublishConfig          `mapstructure:"publish"`
	Resources    ResourcesConfig        `mapstructure:"resources"`
	Kernel       KernelConfig           `mapstructure:"kernel"`
	Logging      LoggingConfig          `mapstructure:"logging"`

	// Workspace is the directory the configuration was resolved against.
	// Not read from the file.
	Workspace string `mapstructure:"-"`
}

// PathsConfig locates the directory roots the pipeline reads and writes.
type PathsConfig struct {
	Raw       string `mapstructure:"raw"`
	Staging   string `mapstructure:"staging"`
	Published string `mapstructure:"published"`
	CalTables string `mapstructure:"caltables"`
	Logs      string `mapstructure:"logs"`
	StateDir  string `mapstructure:"state_dir"`
}

// IngestConfig controls the filesystem watcher and group assembly.
type IngestConfig struct {
	CompleteThreshold int           `mapstructure:"complete_threshold"`
	EligibleThreshold int           `mapstructure:"eligible_threshold"`
	SemiCompleteDelay time.Duration `mapstructure:"semi_complete_delay"`
	Quiescence        time.Duration `mapstructure:"quiescence"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Patterns          []string      `mapstructure:"patterns"`
}

// RetryConfig is a retry policy as configured. Zero fields inherit the
// orchestrator default when resolved per stage.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
}

// OrchestratorConfig controls the worker pool and default retry behavior.
type OrchestratorConfig struct {
	WorkerCount       int           `mapstructure:"worker_count"`
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DefaultRetry      RetryConfig   `mapstructure:"default_retry"`
}

// SchedulerConfig controls the periodic maintenance tick.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// StageConfig overrides execution policy for a single stage.
type StageConfig struct {
	Enabled *bool         `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retry   RetryConfig   `mapstructure:"retry"`
}

// DefaultStageTimeout applies where stages.<name>.timeout is unset.
const DefaultStageTimeout = time.Hour

// CalibrationConfig controls register-time validity windows and the
// calibrator catalog.
type CalibrationConfig struct {
	BPValidity   time.Duration `mapstructure:"bp_validity"`
	GainValidity time.Duration `mapstructure:"gain_validity"`
	CatalogPath  string        `mapstructure:"catalog_path"`
}

// PublishConfig controls automatic publication.
type PublishConfig struct {
	AutoPublishDefault bool          `mapstructure:"auto_publish_default"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
}

// ResourcesConfig bounds shared-resource usage.
type ResourcesConfig struct {
	MSLockTimeout time.Duration `mapstructure:"ms_lock_timeout"`
}

// KernelConfig locates the processing kernel.
type KernelConfig struct {
	ManifestPath string `mapstructure:"manifest_path"`
	BinDir       string `mapstructure:"bin_dir"`
}

// LoggingConfig controls the daemon log file.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// FindWorkspace walks up from dir looking for contimg.yaml or an existing
// .contimg state directory. Returns the workspace root and the config file
// path ("" when only the state directory was found).
func FindWorkspace(dir string) (workspace, configPath string, err error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	for d := abs; ; d = filepath.Dir(d) {
		cfg := filepath.Join(d, ConfigFileName)
		if _, err := os.Stat(cfg); err == nil {
			return d, cfg, nil
		}
		if fi, err := os.Stat(filepath.Join(d, StateDirName)); err == nil && fi.IsDir() {
			return d, "", nil
		}
		if d == filepath.Dir(d) {
			break
		}
	}
	return "", "", fmt.Errorf("no %s or %s found in %s or any parent", ConfigFileName, StateDirName, abs)
}

// Load reads configuration. explicitPath overrides discovery when non-empty;
// otherwise the workspace is discovered by walking up from the working
// directory. A missing config file is not an error: defaults plus
// environment variables apply, rooted at the current directory.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CONTIMG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	workspace := ""
	configFile := ""
	if explicitPath != "" {
		abs, err := filepath.Abs(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		configFile = abs
		workspace = filepath.Dir(abs)
	} else if cwd, err := os.Getwd(); err == nil {
		if ws, cfg, err := FindWorkspace(cwd); err == nil {
			workspace = ws
			configFile = cfg
		} else {
			workspace = cwd
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Workspace = workspace
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.raw", "")
	v.SetDefault("paths.staging", "")
	v.SetDefault("paths.published", "")
	v.SetDefault("paths.caltables", "")
	v.SetDefault("paths.logs", "")
	v.SetDefault("paths.state_dir", "")

	v.SetDefault("ingest.complete_threshold", 16)
	v.SetDefault("ingest.eligible_threshold", 12)
	v.SetDefault("ingest.semi_complete_delay", "15m")
	v.SetDefault("ingest.quiescence", "30s")
	v.SetDefault("ingest.poll_interval", "10s")
	v.SetDefault("ingest.patterns", []string{"*.uvh5", "*.dat"})

	v.SetDefault("orchestrator.worker_count", 2)
	v.SetDefault("orchestrator.lease_duration", "10m")
	v.SetDefault("orchestrator.heartbeat_interval", "1m")
	v.SetDefault("orchestrator.default_retry.max_attempts", 3)
	v.SetDefault("orchestrator.default_retry.base_delay", "10s")
	v.SetDefault("orchestrator.default_retry.max_delay", "10m")
	v.SetDefault("orchestrator.default_retry.multiplier", 2.0)
	v.SetDefault("orchestrator.default_retry.jitter_fraction", 0.2)

	v.SetDefault("scheduler.tick_interval", "5s")

	v.SetDefault("calibration.bp_validity", "24h")
	v.SetDefault("calibration.gain_validity", "1h")
	v.SetDefault("calibration.catalog_path", "")

	v.SetDefault("publish.auto_publish_default", false)
	v.SetDefault("publish.max_attempts", 5)
	v.SetDefault("publish.retry_delay", "5m")

	v.SetDefault("resources.ms_lock_timeout", "10m")

	v.SetDefault("kernel.manifest_path", "")
	v.SetDefault("kernel.bin_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// applyDerivedDefaults fills paths that default relative to the workspace,
// staging root, or state directory.
func (c *Config) applyDerivedDefaults() {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(c.Workspace, StateDirName)
	}
	if c.Paths.CalTables == "" && c.Paths.Staging != "" {
		c.Paths.CalTables = filepath.Join(c.Paths.Staging, "caltables")
	}
	if c.Paths.Logs == "" {
		c.Paths.Logs = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Calibration.CatalogPath == "" {
		c.Calibration.CatalogPath = filepath.Join(c.Paths.StateDir, "calibrators.yaml")
	}
	if c.Kernel.ManifestPath == "" {
		c.Kernel.ManifestPath = filepath.Join(c.Paths.StateDir, "kernel.toml")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.Paths.Logs, "daemon.log")
	}
}

// DatabasePath returns the store location under the state directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "contimg.db")
}

// SocketPath returns the control socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "daemon.sock")
}

// PIDFilePath returns the daemon PID file location.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.Paths.StateDir, "daemon.pid")
}

// LockFilePath returns the single-instance lock file location.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.StateDir, "daemon.lock")
}

// ScratchDir returns the stage working area under staging.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.Paths.Staging, "scratch")
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Paths.Raw == "" {
		return fmt.Errorf("paths.raw must be set")
	}
	if c.Paths.Staging == "" {
		return fmt.Errorf("paths.staging must be set")
	}
	if c.Paths.Published == "" {
		return fmt.Errorf("paths.published must be set")
	}
	if within(c.Paths.Published, c.Paths.Staging) {
		return fmt.Errorf("paths.published must not be inside paths.staging")
	}
	if c.Ingest.CompleteThreshold < 1 || c.Ingest.CompleteThreshold > 16 {
		return fmt.Errorf("ingest.complete_threshold must be between 1 and 16")
	}
	if c.Ingest.EligibleThreshold < 1 || c.Ingest.EligibleThreshold > c.Ingest.CompleteThreshold {
		return fmt.Errorf("ingest.eligible_threshold must be between 1 and ingest.complete_threshold")
	}
	if c.Ingest.SemiCompleteDelay < 0 {
		return fmt.Errorf("ingest.semi_complete_delay must be >= 0")
	}
	if c.Ingest.Quiescence < time.Second {
		return fmt.Errorf("ingest.quiescence must be >= 1s")
	}
	if c.Ingest.PollInterval < time.Second {
		return fmt.Errorf("ingest.poll_interval must be >= 1s")
	}
	if len(c.Ingest.Patterns) == 0 {
		return fmt.Errorf("ingest.patterns must list at least one glob")
	}
	if c.Orchestrator.WorkerCount < 1 {
		return fmt.Errorf("orchestrator.worker_count must be >= 1")
	}
	if c.Orchestrator.HeartbeatInterval < time.Second {
		return fmt.Errorf("orchestrator.heartbeat_interval must be >= 1s")
	}
	if c.Orchestrator.LeaseDuration <= c.Orchestrator.HeartbeatInterval {
		return fmt.Errorf("orchestrator.lease_duration must exceed orchestrator.heartbeat_interval")
	}
	if err := validateRetry("orchestrator.default_retry", c.Orchestrator.DefaultRetry, true); err != nil {
		return err
	}
	if c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("scheduler.tick_interval must be >= 1s")
	}
	for name, sc := range c.Stages {
		if sc.Timeout < 0 {
			return fmt.Errorf("stages.%s.timeout must be >= 0", name)
		}
		if err := validateRetry(fmt.Sprintf("stages.%s.retry", name), sc.Retry, false); err != nil {
			return err
		}
	}
	if c.Calibration.BPValidity <= 0 {
		return fmt.Errorf("calibration.bp_validity must be positive")
	}
	if c.Calibration.GainValidity <= 0 {
		return fmt.Errorf("calibration.gain_validity must be positive")
	}
	if c.Publish.MaxAttempts < 1 {
		return fmt.Errorf("publish.max_attempts must be >= 1")
	}
	if c.Publish.RetryDelay < 0 {
		return fmt.Errorf("publish.retry_delay must be >= 0")
	}
	if c.Resources.MSLockTimeout < time.Second {
		return fmt.Errorf("resources.ms_lock_timeout must be >= 1s")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// validateRetry checks a retry block. complete requires every field set
// (the orchestrator default); per-stage overrides may leave fields zero.
func validateRetry(key string, r RetryConfig, complete bool) error {
	if complete {
		if r.MaxAttempts < 1 {
			return fmt.Errorf("%s.max_attempts must be >= 1", key)
		}
		if r.BaseDelay <= 0 {
			return fmt.Errorf("%s.base_delay must be positive", key)
		}
		if r.MaxDelay < r.BaseDelay {
			return fmt.Errorf("%s.max_delay must be >= base_delay", key)
		}
		if r.Multiplier < 1 {
			return fmt.Errorf("%s.multiplier must be >= 1", key)
		}
	} else {
		if r.MaxAttempts < 0 {
			return fmt.Errorf("%s.max_attempts must be >= 0", key)
		}
		if r.Multiplier != 0 && r.Multiplier < 1 {
			return fmt.Errorf("%s.multiplier must be >= 1", key)
		}
	}
	if r.JitterFraction < 0 || r.JitterFraction > 1 {
		return fmt.Errorf("%s.jitter_fraction must be between 0 and 1", key)
	}
	return nil
}

// ValidateStageNames rejects stages.* entries that name no known stage.
// Called once the stage catalog is assembled; config alone cannot know it.
func (c *Config) ValidateStageNames(known []string) error {
	set := make(map[string]bool, len(known))
	for _, n := range known {
		set[n] = true
	}
	for name := range c.Stages {
		if !set[name] {
			if suggestion, _ := utils.Closest(name, known, 3); suggestion != "" {
				return fmt.Errorf("stages.%s: unknown stage name (did you mean %q?)", name, suggestion)
			}
			return fmt.Errorf("stages.%s: unknown stage name", name)
		}
	}
	return nil
}

// StageEnabled reports whether a stage is enabled (default true).
func (c *Config) StageEnabled(name string) bool {
	sc, ok := c.Stages[name]
	if !ok || sc.Enabled == nil {
		return true
	}
	return *sc.Enabled
}

// StageTimeout returns the effective timeout for a stage.
func (c *Config) StageTimeout(name string) time.Duration {
	if sc, ok := c.Stages[name]; ok && sc.Timeout > 0 {
		return sc.Timeout
	}
	return DefaultStageTimeout
}

// StageRetry returns the effective retry policy for a stage, merging
// per-stage overrides over the orchestrator default.
func (c *Config) StageRetry(name string) RetryConfig {
	r := c.Orchestrator.DefaultRetry
	sc, ok := c.Stages[name]
	if !ok {
		return r
	}
	if sc.Retry.MaxAttempts > 0 {
		r.MaxAttempts = sc.Retry.MaxAttempts
	}
	if sc.Retry.BaseDelay > 0 {
		r.BaseDelay = sc.Retry.BaseDelay
	}
	if sc.Retry.MaxDelay > 0 {
		r.MaxDelay = sc.Retry.MaxDelay
	}
	if sc.Retry.Multiplier > 0 {
		r.Multiplier = sc.Retry.Multiplier
	}
	if sc.Retry.JitterFraction > 0 {
		r.JitterFraction = sc.Retry.JitterFraction
	}
	return r
}

// within reports whether path sits at or below root after cleaning.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
