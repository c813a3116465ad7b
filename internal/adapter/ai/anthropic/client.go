// Package anthropic implements the provider contract against the Anthropic
// messages endpoint.
package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	ai "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

const (
	providerName = "anthropic"
	apiVersion   = "2023-06-01"
)

// Config holds the provider settings.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	HTTPTimeout  time.Duration
	Backoff      ai.BackoffSettings
}

// Client implements domain.Provider for Anthropic.
type Client struct {
	cfg Config
	hc  *http.Client
}

// New constructs a Client with sensible timeouts.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-3-5-haiku-latest"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if cfg.Backoff.MaxElapsedTime <= 0 {
		cfg.Backoff = ai.DefaultBackoff()
	}
	// Traced transport so outbound provider calls join the request trace.
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s %s", providerName, r.Method, r.URL.Host)
		}),
	)
	return &Client{cfg: cfg, hc: &http.Client{Timeout: cfg.HTTPTimeout, Transport: transport}}
}

// Name implements domain.Provider.
func (c *Client) Name() string { return providerName }

// Models lists the model names this provider accepts.
func (c *Client) Models() []string { return ai.ModelsForProvider(providerName) }

// ValidateConfig is the cheap local check: credential present.
func (c *Client) ValidateConfig() bool { return c.cfg.APIKey != "" }

// CalculateCost prices token usage against the model cost table.
func (c *Client) CalculateCost(usage domain.TokenUsage, model string) (float64, error) {
	return ai.CostForUsage(usage, model)
}

type messagesRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature,omitempty"`
	TopP        float64          `json:"top_p,omitempty"`
	Messages    []messageContent `json:"messages"`
}

type messageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// SendRequest normalizes, validates against the model table, then calls the
// messages endpoint with exponential backoff on retryable failures.
func (c *Client) SendRequest(ctx domain.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	if !c.ValidateConfig() {
		return nil, ai.WrapProviderError(providerName, fmt.Errorf("ANTHROPIC_API_KEY missing"))
	}
	req = ai.NormalizeRequest(req, c.cfg.DefaultModel)
	if err := ai.ValidateRequestAgainstModel(req); err != nil {
		return nil, err
	}

	body := messagesRequest{
		Model:       req.Model,
		MaxTokens:   ai.ParamInt(req.Parameters, "maxTokens", ai.DefaultMaxTokens),
		Temperature: ai.ParamFloat(req.Parameters, "temperature", ai.DefaultTemperature),
		TopP:        ai.ParamFloat(req.Parameters, "topP", ai.DefaultTopP),
		Messages:    []messageContent{{Role: "user", Content: req.Prompt}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, ai.WrapProviderError(providerName, err)
	}

	var (
		out     messagesResponse
		retries int32
	)
	start := time.Now()
	op := func() error {
		attempt := atomic.AddInt32(&retries, 1)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("x-api-key", c.cfg.APIKey)
		httpReq.Header.Set("anthropic-version", apiVersion)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(httpReq)
		if err != nil {
			slog.Warn("anthropic request failed, retrying",
				slog.Int("attempt", int(attempt)),
				slog.Any("error", err))
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return fmt.Errorf("anthropic status %d: %s", resp.StatusCode, snippet)
		}
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return backoff.Permanent(fmt.Errorf("anthropic status %d: %s", resp.StatusCode, snippet))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if len(out.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("empty content in response"))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = c.cfg.Backoff.MaxElapsedTime
	expo.InitialInterval = c.cfg.Backoff.InitialInterval
	expo.MaxInterval = c.cfg.Backoff.MaxInterval
	expo.Multiplier = c.cfg.Backoff.Multiplier
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, ai.WrapProviderError(providerName, err)
	}

	usage := domain.TokenUsage{
		Input:  out.Usage.InputTokens,
		Output: out.Usage.OutputTokens,
		Total:  out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	resp := ai.NormalizeResponse(providerName, req.Model, out.Content[0].Text, usage, out.StopReason, out.ID)
	resp.Performance = domain.Performance{
		ResponseTimeMs: time.Since(start).Milliseconds(),
		RetryCount:     int(atomic.LoadInt32(&retries)) - 1,
	}
	return resp, nil
}

var _ domain.Provider = (*Client)(nil)
