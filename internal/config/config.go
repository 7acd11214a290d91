// Package config loads voxmeet settings from defaults, an optional YAML
// file and VOXMEET_* environment variables, in that order. Command-line
// flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Capture struct {
	Backend     string `yaml:"backend"`
	Input       string `yaml:"input"`
	InputFormat string `yaml:"input_format"`
	Loopback    bool   `yaml:"loopback"`
}

type Transcription struct {
	SegmentDuration      time.Duration `yaml:"segment_duration"`
	SilenceMarkers       []string      `yaml:"silence_markers"`
	SilenceGate          bool          `yaml:"silence_gate"`
	SilenceThresholdDBFS float64       `yaml:"silence_threshold_dbfs"`
	QueueDepth           int           `yaml:"queue_depth"`
}

type Ollama struct {
	URL         string  `yaml:"url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Template    string  `yaml:"template"`
}

type Config struct {
	Model        string `yaml:"model"`
	ModelDir     string `yaml:"model_dir"`
	Language     string `yaml:"language"`
	AutoDownload bool   `yaml:"auto_download"`
	Database     string `yaml:"database"`

	Capture       Capture       `yaml:"capture"`
	Transcription Transcription `yaml:"transcription"`
	Ollama        Ollama        `yaml:"ollama"`
}

func Default() Config {
	return Config{
		Model:        "base",
		Language:     "auto",
		AutoDownload: true,
		Capture: Capture{
			Backend:  "auto",
			Loopback: true,
		},
		Transcription: Transcription{
			SegmentDuration:      5 * time.Second,
			SilenceGate:          true,
			SilenceThresholdDBFS: -65,
			QueueDepth:           4,
		},
		Ollama: Ollama{
			URL:         "http://localhost:11434",
			Model:       "llama3.2",
			Temperature: 0.7,
			Template:    "general",
		},
	}
}

// Load returns defaults overlaid with the YAML file at path and then the
// environment. A missing file is only an error when required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path, required); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string, required bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from VOXMEET_* variables. Malformed numbers
// and durations are errors rather than silently ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error

	envStr(getenv, "VOXMEET_MODEL", &c.Model)
	envStr(getenv, "VOXMEET_MODEL_DIR", &c.ModelDir)
	envStr(getenv, "VOXMEET_LANGUAGE", &c.Language)
	envStr(getenv, "VOXMEET_DATABASE", &c.Database)
	envStr(getenv, "VOXMEET_BACKEND", &c.Capture.Backend)
	envStr(getenv, "VOXMEET_INPUT", &c.Capture.Input)
	envStr(getenv, "VOXMEET_INPUT_FORMAT", &c.Capture.InputFormat)
	envStr(getenv, "VOXMEET_OLLAMA_URL", &c.Ollama.URL)
	envStr(getenv, "VOXMEET_OLLAMA_MODEL", &c.Ollama.Model)
	envStr(getenv, "VOXMEET_TEMPLATE", &c.Ollama.Template)

	errs = append(errs,
		envBool(getenv, "VOXMEET_AUTO_DOWNLOAD", &c.AutoDownload),
		envBool(getenv, "VOXMEET_LOOPBACK", &c.Capture.Loopback),
		envBool(getenv, "VOXMEET_SILENCE_GATE", &c.Transcription.SilenceGate),
		envDuration(getenv, "VOXMEET_SEGMENT_DURATION", &c.Transcription.SegmentDuration),
		envFloat(getenv, "VOXMEET_SILENCE_THRESHOLD_DBFS", &c.Transcription.SilenceThresholdDBFS),
		envInt(getenv, "VOXMEET_QUEUE_DEPTH", &c.Transcription.QueueDepth),
		envFloat(getenv, "VOXMEET_OLLAMA_TEMPERATURE", &c.Ollama.Temperature),
	)
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if c.Transcription.SegmentDuration < 500*time.Millisecond {
		errs = append(errs, fmt.Errorf("segment duration %s is shorter than 500ms", c.Transcription.SegmentDuration))
	}
	if c.Transcription.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("queue depth must not be negative, got %d", c.Transcription.QueueDepth))
	}
	if c.Ollama.Temperature < 0 || c.Ollama.Temperature > 2 {
		errs = append(errs, fmt.Errorf("ollama temperature %.2f is outside 0..2", c.Ollama.Temperature))
	}
	if strings.TrimSpace(c.Model) == "" {
		errs = append(errs, errors.New("model must not be empty"))
	}
	return errors.Join(errs...)
}

func envStr(getenv func(string) string, key string, dst *string) {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		*dst = v
	}
}

func envBool(getenv func(string) string, key string, dst *bool) error {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envInt(getenv func(string) string, key string, dst *int) error {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(getenv func(string) string, key string, dst *float64) error {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(getenv func(string) string, key string, dst *time.Duration) error {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
