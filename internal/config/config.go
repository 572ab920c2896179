package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port      int              `json:"port"`
	LogConfig logger.LogConfig `json:"log_config"`
	Model     ModelConfig      `json:"model"`
	Limits    LimitsConfig     `json:"limits"`
	Probe     ProbeConfig      `json:"probe"`
	CORS      []string         `json:"cors_allow_origins"`
}

type ModelConfig struct {
	Source  SourceConfig `json:"source"`
	Preload bool         `json:"preload"`
}

type SourceConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type LimitsConfig struct {
	MaxTokens    int     `json:"max_tokens"`
	MaxGenerate  int     `json:"max_generate"`
	Threshold    float64 `json:"threshold"`
	BPECacheSize int     `json:"bpe_cache_size"`
}

type ProbeConfig struct {
	Spec string `json:"spec"`
	Text string `json:"text"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.Model.Source.Type == "" {
		cfg.Model.Source.Type = "hub"
	}
	switch cfg.Model.Source.Type {
	case "hub":
	case "local":
		data, _ := cfg.Model.Source.Data.(map[string]interface{})
		if dir, _ := data["dir"].(string); dir == "" {
			return fmt.Errorf("model.source.data.dir is required for local source")
		}
	default:
		return fmt.Errorf("model.source.type must be hub or local")
	}
	if cfg.Limits.MaxTokens <= 0 {
		cfg.Limits.MaxTokens = 100
	}
	if cfg.Limits.MaxGenerate <= 0 {
		cfg.Limits.MaxGenerate = 20
	}
	if cfg.Limits.MaxGenerate > 20 {
		return fmt.Errorf("limits.max_generate must not exceed 20")
	}
	if cfg.Limits.Threshold == 0 {
		cfg.Limits.Threshold = 0.01
	}
	if cfg.Limits.Threshold < 0 || cfg.Limits.Threshold >= 1 {
		return fmt.Errorf("limits.threshold must be in (0, 1)")
	}
	if cfg.Limits.BPECacheSize <= 0 {
		cfg.Limits.BPECacheSize = 4096
	}
	if cfg.Probe.Spec != "" && cfg.Probe.Text == "" {
		cfg.Probe.Text = "Hello world"
	}
	return nil
}
