// Package config resolves runtime settings from yaml file, environment, and
// CLI flags, with per-value provenance. Precedence: CLI > env > file >
// built-in default; every resolved value remembers where it came from so
// `clinex config` can show the effective configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries the CLI-flag overrides into resolution.
type ResolveOptions struct {
	ConfigPath    string
	CLIEndpoint   string
	CLIModel      string
	CLIDBPath     string
	CLIThreshold  string
	CLITimeout    string
	CLIAnchorDate string
}

// ResolvedConfig is the effective configuration with provenance per value.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath        ResolvedValue `json:"db_path"`
	ModelAPIBase  ResolvedValue `json:"model_api_base"`
	Model         ResolvedValue `json:"model"`
	ModelAPIKey   ResolvedValue `json:"model_api_key"`
	Timeout       ResolvedValue `json:"timeout"`
	Threshold     ResolvedValue `json:"confidence_threshold"`
	SymptomWindow ResolvedValue `json:"symptom_window_days"`
	AnchorDate    ResolvedValue `json:"anchor_date"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	Model  struct {
		APIBase string `yaml:"api_base"`
		Name    string `yaml:"name"`
		APIKey  string `yaml:"api_key"`
		Timeout string `yaml:"timeout"`
	} `yaml:"model"`
	Review struct {
		ConfidenceThreshold string `yaml:"confidence_threshold"`
		SymptomWindowDays   string `yaml:"symptom_window_days"`
	} `yaml:"review"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clinex", "config.yaml")
}

// Resolve builds the effective configuration.
func Resolve(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	// Built-in defaults first; everything later overwrites.
	out.DBPath = ResolvedValue{Value: "~/.clinex/clinex.db", Source: SourceDefault, From: "built-in default"}
	out.ModelAPIBase = ResolvedValue{Value: "http://localhost:11434/v1", Source: SourceDefault, From: "built-in default"}
	out.Timeout = ResolvedValue{Value: "120s", Source: SourceDefault, From: "built-in default"}
	out.Threshold = ResolvedValue{Value: "0.7", Source: SourceDefault, From: "built-in default"}
	out.SymptomWindow = ResolvedValue{Value: "90", Source: SourceDefault, From: "built-in default"}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.ModelAPIBase, cfg.Model.APIBase, SourceConfig, path)
		apply(&out.Model, cfg.Model.Name, SourceConfig, path)
		apply(&out.ModelAPIKey, cfg.Model.APIKey, SourceConfig, path)
		apply(&out.Timeout, cfg.Model.Timeout, SourceConfig, path)
		apply(&out.Threshold, cfg.Review.ConfidenceThreshold, SourceConfig, path)
		apply(&out.SymptomWindow, cfg.Review.SymptomWindowDays, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "CLINEX_DB")
	applyEnv(&out.ModelAPIBase, "CLINEX_MODEL_API_BASE")
	applyEnv(&out.Model, "CLINEX_MODEL")
	applyEnv(&out.ModelAPIKey, "CLINEX_MODEL_API_KEY")
	applyEnv(&out.Timeout, "CLINEX_TIMEOUT")
	applyEnv(&out.Threshold, "CLINEX_CONFIDENCE_THRESHOLD")
	applyEnv(&out.SymptomWindow, "CLINEX_SYMPTOM_WINDOW_DAYS")

	apply(&out.ModelAPIBase, opts.CLIEndpoint, SourceCLI, "--endpoint")
	apply(&out.Model, opts.CLIModel, SourceCLI, "--model")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.Threshold, opts.CLIThreshold, SourceCLI, "--threshold")
	apply(&out.Timeout, opts.CLITimeout, SourceCLI, "--timeout")
	apply(&out.AnchorDate, opts.CLIAnchorDate, SourceCLI, "--anchor")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	return out, nil
}

// TimeoutDuration parses the resolved timeout.
func (r ResolvedConfig) TimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(r.Timeout.Value)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q (from %s): %w", r.Timeout.Value, r.Timeout.From, err)
	}
	return d, nil
}

// ThresholdFloat parses the resolved confidence threshold.
func (r ResolvedConfig) ThresholdFloat() (float64, error) {
	v, err := strconv.ParseFloat(r.Threshold.Value, 64)
	if err != nil || v <= 0 || v > 1 {
		return 0, fmt.Errorf("invalid confidence threshold %q (from %s)", r.Threshold.Value, r.Threshold.From)
	}
	return v, nil
}

// SymptomWindowInt parses the resolved symptom dedup window.
func (r ResolvedConfig) SymptomWindowInt() (int, error) {
	v, err := strconv.Atoi(r.SymptomWindow.Value)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid symptom window %q (from %s)", r.SymptomWindow.Value, r.SymptomWindow.From)
	}
	return v, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
