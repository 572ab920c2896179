package gpt2

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config mirrors the fields of a Hugging Face GPT-2 config.json that the
// runtime needs.
type Config struct {
	NLayer           int     `json:"n_layer"`
	NHead            int     `json:"n_head"`
	NEmbd            int     `json:"n_embd"`
	NPositions       int     `json:"n_positions"`
	VocabSize        int     `json:"vocab_size"`
	LayerNormEpsilon float64 `json:"layer_norm_epsilon"`
}

func LoadConfig(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open model config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode model config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.NLayer <= 0 || c.NHead <= 0 || c.NEmbd <= 0 || c.NPositions <= 0 || c.VocabSize <= 0 {
		return fmt.Errorf("model config: n_layer, n_head, n_embd, n_positions and vocab_size must be positive")
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("model config: n_embd %d not divisible by n_head %d", c.NEmbd, c.NHead)
	}
	if c.LayerNormEpsilon <= 0 {
		c.LayerNormEpsilon = 1e-5
	}
	return nil
}

func (c Config) headSize() int {
	return c.NEmbd / c.NHead
}
