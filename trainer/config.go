// Package trainer drives ensemble training: gradient accumulation, online
// gradient-variance tracking with noise injection, and the optimizer step,
// sequenced by an explicit state machine.
package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/openfluke/agni/ensemble"
)

// Config is the full training configuration. It round-trips through JSON so
// runs can be reproduced from a saved file, and a few fields can be overridden
// from the environment for cluster launches.
type Config struct {
	JobID string `json:"job_id"`
	Seed  int64  `json:"seed"`

	NumModels       int    `json:"num_models"`
	CombinerVariant string `json:"combiner_variant"`

	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	LearningRate              float32 `json:"learning_rate"`
	WeightDecay               float32 `json:"weight_decay"`
	NumEpochs                 int     `json:"num_epochs"`

	UseNoiseInjection bool    `json:"use_noise_injection"`
	Eta               float32 `json:"eta"`

	DecorrelationLayers []int   `json:"decorrelation_layers"`
	DecorrelationWeight float32 `json:"decorrelation_weight"`

	SaveDir string `json:"save_dir"`
}

// DefaultConfig mirrors the hyperparameters the experiments were run with.
func DefaultConfig() Config {
	return Config{
		JobID:                     "local",
		Seed:                      42,
		NumModels:                 1,
		CombinerVariant:           ensemble.VariantWeightedSum,
		GradientAccumulationSteps: 1,
		LearningRate:              2e-5,
		WeightDecay:               1e-2,
		NumEpochs:                 3,
		UseNoiseInjection:         false,
		Eta:                       0.01,
		SaveDir:                   "saves",
	}
}

// LoadConfig reads a JSON config file and applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays the launcher-controlled fields from the environment:
// AGNI_JOB_ID, AGNI_SEED and AGNI_SAVE_DIR.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("AGNI_JOB_ID"); v != "" {
		c.JobID = v
	}
	if v := os.Getenv("AGNI_SAVE_DIR"); v != "" {
		c.SaveDir = v
	}
	if v := os.Getenv("AGNI_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Seed = seed
		}
	}
}

func (c Config) Validate() error {
	if c.GradientAccumulationSteps < 1 {
		return fmt.Errorf("config: gradient_accumulation_steps must be >= 1, got %d", c.GradientAccumulationSteps)
	}
	if c.NumModels < 1 {
		return fmt.Errorf("config: num_models must be >= 1, got %d", c.NumModels)
	}
	if c.UseNoiseInjection && c.Eta < 0 {
		return fmt.Errorf("config: eta must be >= 0 when noise injection is on, got %g", c.Eta)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("config: learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.NumEpochs < 1 {
		return fmt.Errorf("config: num_epochs must be >= 1, got %d", c.NumEpochs)
	}
	switch c.CombinerVariant {
	case ensemble.VariantWeightedSum, ensemble.VariantLogitsTransformer,
		ensemble.VariantGatedMoE, ensemble.VariantAdaBoost, ensemble.VariantSoftVoting:
	default:
		return fmt.Errorf("config: unknown combiner_variant %q", c.CombinerVariant)
	}
	if len(c.DecorrelationLayers) > 0 && c.NumModels < 2 {
		return fmt.Errorf("config: decorrelation needs num_models >= 2")
	}
	return nil
}

// Save writes the config next to the run's results for reproducibility.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
