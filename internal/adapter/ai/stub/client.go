// Package stub is a fast, deterministic provider for local runs and tests.
package stub

import (
	"time"

	ai "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// Client implements domain.Provider with canned responses. Latency and Err
// let tests exercise timeout and failure paths.
type Client struct {
	Latency time.Duration
	Err     error
}

// New constructs a stub provider.
func New() *Client { return &Client{} }

// Name implements domain.Provider.
func (c *Client) Name() string { return "stub" }

// Models lists the stub model.
func (c *Client) Models() []string { return []string{"stub-small"} }

// ValidateConfig always passes; the stub needs no credentials.
func (c *Client) ValidateConfig() bool { return true }

// CalculateCost prices token usage; the stub model is free.
func (c *Client) CalculateCost(usage domain.TokenUsage, model string) (float64, error) {
	return ai.CostForUsage(usage, model)
}

// SendRequest returns a deterministic echo after the configured latency,
// honoring context cancellation so worker timeouts behave as in production.
func (c *Client) SendRequest(ctx domain.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	req = ai.NormalizeRequest(req, "stub-small")
	if err := ai.ValidateRequestAgainstModel(req); err != nil {
		return nil, err
	}
	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Err != nil {
		return nil, ai.WrapProviderError(c.Name(), c.Err)
	}
	usage := domain.TokenUsage{
		Input:  len(req.Prompt) / 4,
		Output: 12,
		Total:  len(req.Prompt)/4 + 12,
	}
	resp := ai.NormalizeResponse(c.Name(), req.Model, "stub response: "+req.Prompt, usage, "end_turn", "")
	resp.Performance.ResponseTimeMs = c.Latency.Milliseconds()
	return resp, nil
}

var _ domain.Provider = (*Client)(nil)
