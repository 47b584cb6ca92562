package trainer

import (
	"path/filepath"
	"testing"

	"github.com/openfluke/agni/ensemble"
)

func TestConfig_Validate(t *testing.T) {
	good := DefaultConfig()
	if err := good.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero accumulation steps", func(c *Config) { c.GradientAccumulationSteps = 0 }},
		{"zero models", func(c *Config) { c.NumModels = 0 }},
		{"negative eta with injection", func(c *Config) { c.UseNoiseInjection = true; c.Eta = -0.1 }},
		{"non-positive learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"zero epochs", func(c *Config) { c.NumEpochs = 0 }},
		{"unknown combiner", func(c *Config) { c.CombinerVariant = "majority" }},
		{"decorrelation with one model", func(c *Config) { c.DecorrelationLayers = []int{0}; c.NumModels = 1 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestConfig_NegativeEtaAllowedWithoutInjection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseNoiseInjection = false
	cfg.Eta = -1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("eta is inert when injection is off: %v", err)
	}
}

func TestLoadConfig_RoundTripAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.NumModels = 2
	cfg.CombinerVariant = ensemble.VariantGatedMoE
	cfg.UseNoiseInjection = true
	cfg.Eta = 0.02
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	t.Setenv("AGNI_JOB_ID", "sweep-7")
	t.Setenv("AGNI_SEED", "1234")

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.NumModels != 2 || loaded.CombinerVariant != ensemble.VariantGatedMoE {
		t.Fatalf("file fields lost: %+v", loaded)
	}
	if loaded.Eta != 0.02 || !loaded.UseNoiseInjection {
		t.Fatalf("injection fields lost: %+v", loaded)
	}
	if loaded.JobID != "sweep-7" {
		t.Fatalf("job id = %q, want env override", loaded.JobID)
	}
	if loaded.Seed != 1234 {
		t.Fatalf("seed = %d, want env override", loaded.Seed)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestLoadConfig_InvalidAfterOverlayFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.GradientAccumulationSteps = 0
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error from loaded config")
	}
}
