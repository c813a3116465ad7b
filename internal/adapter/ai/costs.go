package ai

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// costTableFile is the YAML shape for model spec overrides:
//
//	models:
//	  gpt-4o-mini:
//	    provider: openai
//	    contextWindow: 128000
//	    maxOutputTokens: 16384
//	    inputCostPer1k: 0.00015
//	    outputCostPer1k: 0.0006
type costTableFile struct {
	Models map[string]ModelSpec `yaml:"models"`
}

// LoadCostTable merges model specs from a YAML file over the built-in table.
// Entries replace whole specs; partial overrides keep zero values.
func LoadCostTable(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=ai.LoadCostTable path=%s: %w", path, err)
	}
	var f costTableFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("op=ai.LoadCostTable path=%s: %w", path, err)
	}
	for name, spec := range f.Models {
		builtinModels[name] = spec
	}
	slog.Info("cost table loaded", slog.String("path", path), slog.Int("models", len(f.Models)))
	return nil
}
