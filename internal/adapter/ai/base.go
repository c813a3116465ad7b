// Package ai defines the shared provider behavior: request normalization,
// response normalization, model validation, cost tables, and the registry
// that partitions and routes concrete providers.
package ai

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// Normalization defaults applied to every outgoing request.
const (
	DefaultMaxTokens   = 4000
	DefaultTemperature = 0.1
	DefaultTopP        = 0.99
)

// AIProviderError wraps any backend failure in a single error kind while
// preserving the original message.
type AIProviderError struct {
	Provider string
	Err      error
}

func (e *AIProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Err)
}

func (e *AIProviderError) Unwrap() []error {
	return []error{domain.ErrProvider, e.Err}
}

// WrapProviderError converts a backend error into an AIProviderError.
// Validation errors pass through untouched so callers can distinguish them.
func WrapProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInvalidArgument) {
		return err
	}
	return &AIProviderError{Provider: provider, Err: err}
}

// NormalizeRequest fills the default model and merges caller-supplied
// parameters over the shared defaults.
func NormalizeRequest(req domain.AIRequest, defaultModel string) domain.AIRequest {
	if req.Model == "" {
		req.Model = defaultModel
	}
	params := map[string]any{
		"maxTokens":   DefaultMaxTokens,
		"temperature": DefaultTemperature,
		"topP":        DefaultTopP,
	}
	for k, v := range req.Parameters {
		params[k] = v
	}
	req.Parameters = params
	return req
}

// NormalizeResponse projects backend fields onto the unified response shape.
// Performance is zero-initialized; the provider fills it before returning.
func NormalizeResponse(provider, model, content string, usage domain.TokenUsage, stopReason, providerID string) *domain.AIResponse {
	if providerID == "" {
		providerID = uuid.NewString()
	}
	return &domain.AIResponse{
		ID:       uuid.NewString(),
		Provider: provider,
		Model:    model,
		Content:  content,
		Metadata: domain.ResponseMetadata{
			StopReason: stopReason,
			TokenUsage: usage,
			ProviderID: providerID,
		},
	}
}

// ParamInt reads an integer parameter, tolerating JSON float decoding.
func ParamInt(params map[string]any, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// ParamFloat reads a float parameter.
func ParamFloat(params map[string]any, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

// BackoffSettings bound the provider HTTP retry loop.
type BackoffSettings struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultBackoff returns conservative retry bounds for provider calls.
func DefaultBackoff() BackoffSettings {
	return BackoffSettings{
		MaxElapsedTime:  60 * time.Second,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      1.5,
	}
}
