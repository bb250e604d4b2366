package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Config holds all stepflow server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string   `json:"listen_addr"`
	DBPath        string   `json:"db_path"`
	RedisAddr     string   `json:"redis_addr"`
	SessionTTL    Duration `json:"session_ttl"`
	TaskRetention Duration `json:"task_retention"`
	SweepSchedule string   `json:"sweep_schedule"`
	LogLevel      string   `json:"log_level"`
	LogFormat     string   `json:"log_format"`
	PoolSize      int      `json:"pool_size"`
	MaxSteps      int      `json:"max_steps"`
	WorkflowsDir  string   `json:"workflows_dir"`
	LLMModel      string   `json:"llm_model"`
	LLMBaseURL    string   `json:"llm_base_url"`
	LLMToken      string   `json:"llm_token"`
}

// Duration is a time.Duration that reads and writes "90m" style strings in
// settings.json. Plain numbers are taken as seconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(data, &secs); err != nil {
			return fmt.Errorf("duration must be a string or a number of seconds")
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4100",
		DBPath:        filepath.Join(stepflowDir(), "stepflow.db"),
		SessionTTL:    Duration(24 * time.Hour),
		TaskRetention: Duration(7 * 24 * time.Hour),
		SweepSchedule: "0 * * * *",
		LogLevel:      "info",
		LogFormat:     "text",
		PoolSize:      10,
		MaxSteps:      256,
		WorkflowsDir:  filepath.Join(stepflowDir(), "workflows"),
		LLMModel:      "gpt-4o-mini",
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

// loadConfig layers settings.json and STEPFLOW_* env vars over the defaults.
// A missing settings file is not an error.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars.
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("STEPFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	str("STEPFLOW_DB_PATH", &cfg.DBPath)
	str("STEPFLOW_REDIS_ADDR", &cfg.RedisAddr)
	dur("STEPFLOW_SESSION_TTL", &cfg.SessionTTL)
	dur("STEPFLOW_TASK_RETENTION", &cfg.TaskRetention)
	str("STEPFLOW_SWEEP_SCHEDULE", &cfg.SweepSchedule)
	str("STEPFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("STEPFLOW_LOG_FORMAT", &cfg.LogFormat)
	num("STEPFLOW_POOL_SIZE", &cfg.PoolSize)
	num("STEPFLOW_MAX_STEPS", &cfg.MaxSteps)
	str("STEPFLOW_WORKFLOWS_DIR", &cfg.WorkflowsDir)
	str("STEPFLOW_LLM_MODEL", &cfg.LLMModel)
	str("STEPFLOW_LLM_BASE_URL", &cfg.LLMBaseURL)
	str("STEPFLOW_LLM_TOKEN", &cfg.LLMToken)

	return cfg, errors.Join(errs...)
}

// registerFlags adds the config flags shared by serve and mcp.
func registerFlags(cmd *cobra.Command) {
	def := defaultConfig()
	f := cmd.PersistentFlags()
	f.String("listen", def.ListenAddr, "HTTP listen address")
	f.String("db-path", def.DBPath, "libSQL database file; empty keeps state in memory")
	f.String("redis-addr", "", "Redis address for sessions; empty keeps sessions in the task store")
	f.Duration("session-ttl", time.Duration(def.SessionTTL), "idle time after which a session is purged")
	f.Duration("task-retention", time.Duration(def.TaskRetention), "age after which finished tasks are purged")
	f.String("sweep-schedule", def.SweepSchedule, "cron schedule of retention sweeps")
	f.String("log-level", def.LogLevel, "debug, info, warn or error")
	f.String("log-format", def.LogFormat, "text or json")
	f.Int("pool-size", def.PoolSize, "concurrent background task runs")
	f.Int("max-steps", def.MaxSteps, "step limit per run")
	f.String("workflows-dir", def.WorkflowsDir, "directory of workflow definitions")
	f.String("llm-model", def.LLMModel, "language model used for planning and llm.complete")
	f.String("llm-base-url", "", "OpenAI-compatible API base URL")
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.ListenAddr, _ = f.GetString("listen")
	}
	if f.Changed("db-path") {
		cfg.DBPath, _ = f.GetString("db-path")
	}
	if f.Changed("redis-addr") {
		cfg.RedisAddr, _ = f.GetString("redis-addr")
	}
	if f.Changed("session-ttl") {
		d, _ := f.GetDuration("session-ttl")
		cfg.SessionTTL = Duration(d)
	}
	if f.Changed("task-retention") {
		d, _ := f.GetDuration("task-retention")
		cfg.TaskRetention = Duration(d)
	}
	if f.Changed("sweep-schedule") {
		cfg.SweepSchedule, _ = f.GetString("sweep-schedule")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
	if f.Changed("pool-size") {
		cfg.PoolSize, _ = f.GetInt("pool-size")
	}
	if f.Changed("max-steps") {
		cfg.MaxSteps, _ = f.GetInt("max-steps")
	}
	if f.Changed("workflows-dir") {
		cfg.WorkflowsDir, _ = f.GetString("workflows-dir")
	}
	if f.Changed("llm-model") {
		cfg.LLMModel, _ = f.GetString("llm-model")
	}
	if f.Changed("llm-base-url") {
		cfg.LLMBaseURL, _ = f.GetString("llm-base-url")
	}
}

// resolveConfig builds the effective configuration for cmd.
func resolveConfig(cmd *cobra.Command) (Config, error) {
	path := settingsPath()
	if cmd.Flags().Changed("config") {
		path, _ = cmd.Flags().GetString("config")
	}
	cfg, err := loadConfig(path, os.Getenv)
	if err != nil {
		return cfg, err
	}
	applyFlags(cmd, &cfg)
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps))
	}
	if c.SessionTTL < 0 || c.TaskRetention < 0 {
		errs = append(errs, errors.New("session_ttl and task_retention must not be negative"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if !strings.EqualFold(old.LogLevel, new.LogLevel) {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"db_path", old.DBPath != new.DBPath},
		{"redis_addr", old.RedisAddr != new.RedisAddr},
		{"session_ttl", old.SessionTTL != new.SessionTTL},
		{"task_retention", old.TaskRetention != new.TaskRetention},
		{"sweep_schedule", old.SweepSchedule != new.SweepSchedule},
		{"log_format", old.LogFormat != new.LogFormat},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"max_steps", old.MaxSteps != new.MaxSteps},
		{"workflows_dir", old.WorkflowsDir != new.WorkflowsDir},
		{"llm_model", old.LLMModel != new.LLMModel},
		{"llm_base_url", old.LLMBaseURL != new.LLMBaseURL},
		{"llm_token", old.LLMToken != new.LLMToken},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}
