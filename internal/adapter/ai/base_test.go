package ai_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	ai "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

func TestNormalizeRequest_DefaultsAndOverrides(t *testing.T) {
	req := ai.NormalizeRequest(domain.AIRequest{Prompt: "hi"}, "gpt-4o-mini")
	require.Equal(t, "gpt-4o-mini", req.Model)
	require.Equal(t, ai.DefaultMaxTokens, req.Parameters["maxTokens"])
	require.Equal(t, ai.DefaultTemperature, req.Parameters["temperature"])
	require.Equal(t, ai.DefaultTopP, req.Parameters["topP"])

	req = ai.NormalizeRequest(domain.AIRequest{
		Prompt:     "hi",
		Model:      "gpt-4o",
		Parameters: map[string]any{"temperature": 0.9},
	}, "gpt-4o-mini")
	require.Equal(t, "gpt-4o", req.Model)
	require.Equal(t, 0.9, req.Parameters["temperature"])
	require.Equal(t, ai.DefaultMaxTokens, req.Parameters["maxTokens"])
}

func TestWrapProviderError(t *testing.T) {
	require.NoError(t, ai.WrapProviderError("openai", nil))

	// Validation errors pass through untouched.
	valErr := fmt.Errorf("%w: bad model", domain.ErrInvalidArgument)
	require.Equal(t, valErr, ai.WrapProviderError("openai", valErr))

	wrapped := ai.WrapProviderError("openai", errors.New("boom"))
	require.ErrorIs(t, wrapped, domain.ErrProvider)
	require.Contains(t, wrapped.Error(), "openai")
	require.Contains(t, wrapped.Error(), "boom")
}

func TestParamHelpers(t *testing.T) {
	params := map[string]any{"maxTokens": float64(512), "temperature": 0.3, "exact": 7}
	require.Equal(t, 512, ai.ParamInt(params, "maxTokens", 100))
	require.Equal(t, 7, ai.ParamInt(params, "exact", 100))
	require.Equal(t, 100, ai.ParamInt(params, "missing", 100))
	require.Equal(t, 100, ai.ParamInt(nil, "missing", 100))
	require.Equal(t, 0.3, ai.ParamFloat(params, "temperature", 1.0))
	require.Equal(t, 7.0, ai.ParamFloat(params, "exact", 1.0))
	require.Equal(t, 1.0, ai.ParamFloat(params, "missing", 1.0))
}

func TestValidateRequestAgainstModel(t *testing.T) {
	err := ai.ValidateRequestAgainstModel(domain.AIRequest{Prompt: "p", Model: "made-up"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = ai.ValidateRequestAgainstModel(domain.AIRequest{
		Prompt:     "p",
		Model:      "gpt-4o-mini",
		Parameters: map[string]any{"maxTokens": 1 << 20},
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Contains(t, err.Error(), "output limit")

	require.NoError(t, ai.ValidateRequestAgainstModel(domain.AIRequest{
		Prompt:     "p",
		Model:      "gpt-4o-mini",
		Parameters: map[string]any{"maxTokens": 256},
	}))
}

func TestCostForUsage(t *testing.T) {
	usage := domain.TokenUsage{Input: 1000, Output: 1000, Total: 2000}
	cost, err := ai.CostForUsage(usage, "gpt-4o-mini")
	require.NoError(t, err)
	require.InDelta(t, 0.00015+0.0006, cost, 1e-9)

	// The stub model is free.
	cost, err = ai.CostForUsage(usage, "stub-small")
	require.NoError(t, err)
	require.Zero(t, cost)

	_, err = ai.CostForUsage(usage, "made-up")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNormalizeResponse_FillsIdentifiers(t *testing.T) {
	usage := domain.TokenUsage{Input: 10, Output: 5, Total: 15}
	resp := ai.NormalizeResponse("stub", "stub-small", "content", usage, "end_turn", "")
	require.NotEmpty(t, resp.ID)
	require.NotEmpty(t, resp.Metadata.ProviderID)
	require.Equal(t, "stub", resp.Provider)
	require.Equal(t, usage, resp.Metadata.TokenUsage)
	require.Equal(t, "end_turn", resp.Metadata.StopReason)
	require.Zero(t, resp.Performance.ResponseTimeMs)
}
