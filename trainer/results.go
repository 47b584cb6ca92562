package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SeedResult is one (task, model, seed) evaluation record, written under
// saves/<job_id>/ so reruns of the same sweep can skip finished cells.
type SeedResult struct {
	Task      string  `json:"task"`
	Model     string  `json:"model"`
	Seed      int64   `json:"seed"`
	Metric    string  `json:"metric"`
	Value     float32 `json:"value"`
	TrainLoss float32 `json:"train_loss"`
	Timestamp string  `json:"timestamp"`
}

func resultPath(saveDir, jobID, task, model string) string {
	return filepath.Join(saveDir, jobID, fmt.Sprintf("results_%s_%s.json", task, model))
}

// SaveSeedResult appends (or creates) the per-seed result list for the cell.
// An existing entry for the same seed is overwritten rather than duplicated.
func SaveSeedResult(saveDir, jobID string, r SeedResult) error {
	path := resultPath(saveDir, jobID, r.Task, r.Model)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	var results []SeedResult
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &results); err != nil {
			return fmt.Errorf("results %s: %w", path, err)
		}
	}
	r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	replaced := false
	for i := range results {
		if results[i].Seed == r.Seed {
			results[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		results = append(results, r)
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// HasSeedResult reports whether the cell already holds a record for seed.
func HasSeedResult(saveDir, jobID, task, model string, seed int64) bool {
	data, err := os.ReadFile(resultPath(saveDir, jobID, task, model))
	if err != nil {
		return false
	}
	var results []SeedResult
	if err := json.Unmarshal(data, &results); err != nil {
		return false
	}
	for _, r := range results {
		if r.Seed == seed {
			return true
		}
	}
	return false
}

// LoadSeedResults reads every record for the cell, empty when none exist.
func LoadSeedResults(saveDir, jobID, task, model string) ([]SeedResult, error) {
	data, err := os.ReadFile(resultPath(saveDir, jobID, task, model))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var results []SeedResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	return results, nil
}
