package ai

import (
	"fmt"

	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// ModelSpec describes a model's limits and pricing.
type ModelSpec struct {
	Provider        string  `yaml:"provider"`
	ContextWindow   int     `yaml:"contextWindow"`
	MaxOutputTokens int     `yaml:"maxOutputTokens"`
	InputCostPer1K  float64 `yaml:"inputCostPer1k"`
	OutputCostPer1K float64 `yaml:"outputCostPer1k"`
}

// builtinModels is the default model table; COST_TABLE_PATH overrides entries.
var builtinModels = map[string]ModelSpec{
	"gpt-4o": {
		Provider: "openai", ContextWindow: 128000, MaxOutputTokens: 16384,
		InputCostPer1K: 0.0025, OutputCostPer1K: 0.01,
	},
	"gpt-4o-mini": {
		Provider: "openai", ContextWindow: 128000, MaxOutputTokens: 16384,
		InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
	},
	"gpt-3.5-turbo": {
		Provider: "openai", ContextWindow: 16385, MaxOutputTokens: 4096,
		InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015,
	},
	"claude-3-5-sonnet-latest": {
		Provider: "anthropic", ContextWindow: 200000, MaxOutputTokens: 8192,
		InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
	},
	"claude-3-5-haiku-latest": {
		Provider: "anthropic", ContextWindow: 200000, MaxOutputTokens: 8192,
		InputCostPer1K: 0.0008, OutputCostPer1K: 0.004,
	},
	"stub-small": {
		Provider: "stub", ContextWindow: 8192, MaxOutputTokens: 4096,
	},
}

// LookupModel returns the spec for a model name.
func LookupModel(name string) (ModelSpec, bool) {
	s, ok := builtinModels[name]
	return s, ok
}

// ModelsForProvider lists known model names for one provider.
func ModelsForProvider(provider string) []string {
	var out []string
	for name, spec := range builtinModels {
		if spec.Provider == provider {
			out = append(out, name)
		}
	}
	return out
}

// ValidateRequestAgainstModel enforces model-aware limits: the model must be
// known, maxTokens must not exceed the model's output limit, and the
// estimated prompt tokens must fit the context window. Unknown models are a
// validation failure, never a silent fallback.
func ValidateRequestAgainstModel(req domain.AIRequest) error {
	spec, ok := LookupModel(req.Model)
	if !ok {
		return fmt.Errorf("%w: unsupported model %q", domain.ErrInvalidArgument, req.Model)
	}
	maxTokens := ParamInt(req.Parameters, "maxTokens", DefaultMaxTokens)
	if maxTokens > spec.MaxOutputTokens {
		return fmt.Errorf("%w: maxTokens %d exceeds model %s output limit %d",
			domain.ErrInvalidArgument, maxTokens, req.Model, spec.MaxOutputTokens)
	}
	promptTokens := tokencount.EstimateTokensDefault(req.Prompt, req.Model)
	if promptTokens > spec.ContextWindow {
		return fmt.Errorf("%w: prompt (~%d tokens) exceeds model %s context window %d",
			domain.ErrInvalidArgument, promptTokens, req.Model, spec.ContextWindow)
	}
	return nil
}

// CostForUsage prices a token usage against a model's cost table.
func CostForUsage(usage domain.TokenUsage, model string) (float64, error) {
	spec, ok := LookupModel(model)
	if !ok {
		return 0, fmt.Errorf("%w: unsupported model %q", domain.ErrInvalidArgument, model)
	}
	in := float64(usage.Input) / 1000 * spec.InputCostPer1K
	out := float64(usage.Output) / 1000 * spec.OutputCostPer1K
	return in + out, nil
}
