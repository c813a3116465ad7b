package ai_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	ai "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// fakeProvider is a configurable in-memory provider.
type fakeProvider struct {
	name   string
	models []string
	valid  bool
	resp   *domain.AIResponse
	err    error
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) Models() []string      { return f.models }
func (f *fakeProvider) ValidateConfig() bool  { return f.valid }
func (f *fakeProvider) CalculateCost(usage domain.TokenUsage, model string) (float64, error) {
	return ai.CostForUsage(usage, model)
}

func (f *fakeProvider) SendRequest(_ domain.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &domain.AIResponse{Provider: f.name, Model: req.Model, Content: "ok"}, nil
}

func TestRegistry_PartitionsByConfig(t *testing.T) {
	good := &fakeProvider{name: "openai", models: []string{"gpt-4o-mini"}, valid: true}
	bad := &fakeProvider{name: "anthropic", models: []string{"claude-3-5-haiku-latest"}, valid: false}

	reg := ai.NewRegistry(good, bad)
	valid, invalid := reg.GetDiscovered()
	require.Len(t, valid, 1)
	require.Len(t, invalid, 1)
	require.Equal(t, "openai", valid[0].Name())
	require.Equal(t, "anthropic", invalid[0].Name())

	caps := reg.Capabilities()
	require.Len(t, caps, 2)
	require.True(t, caps[0].Valid)
	require.False(t, caps[1].Valid)
	require.Equal(t, 1, caps[0].ModelCount)
}

func TestRegistry_FindByModel(t *testing.T) {
	reg := ai.NewRegistry(
		&fakeProvider{name: "openai", models: []string{"gpt-4o-mini", "gpt-4o"}, valid: true},
		&fakeProvider{name: "anthropic", models: []string{"claude-3-5-haiku-latest"}, valid: true},
	)

	p, err := reg.FindByModel("claude-3-5-haiku-latest")
	require.NoError(t, err)
	require.Equal(t, "anthropic", p.Name())

	_, err = reg.FindByModel("made-up")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_FindByModel_SkipsInvalidProviders(t *testing.T) {
	reg := ai.NewRegistry(
		&fakeProvider{name: "anthropic", models: []string{"claude-3-5-haiku-latest"}, valid: false},
	)
	_, err := reg.FindByModel("claude-3-5-haiku-latest")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_Recommend(t *testing.T) {
	openai := &fakeProvider{name: "openai", models: []string{"gpt-4o-mini"}, valid: true}
	anthropic := &fakeProvider{name: "anthropic", models: []string{"claude-3-5-sonnet-latest"}, valid: true}
	reg := ai.NewRegistry(openai, anthropic)

	p, err := reg.Recommend("analysis")
	require.NoError(t, err)
	require.Equal(t, "anthropic", p.Name())

	p, err = reg.Recommend("chat")
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())

	// Unknown type falls back to the first valid provider.
	p, err = reg.Recommend("something-else")
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())

	empty := ai.NewRegistry()
	_, err = empty.Recommend("chat")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_RecommendByComplexity(t *testing.T) {
	cheap := &fakeProvider{name: "openai", models: []string{"gpt-4o-mini"}, valid: true}
	large := &fakeProvider{name: "anthropic", models: []string{"claude-3-5-sonnet-latest"}, valid: true}
	reg := ai.NewRegistry(cheap, large)

	p, err := reg.RecommendByComplexity("low")
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())

	p, err = reg.RecommendByComplexity("high")
	require.NoError(t, err)
	require.Equal(t, "anthropic", p.Name())

	_, err = reg.RecommendByComplexity("extreme")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRegistry_CheckHealth(t *testing.T) {
	reg := ai.NewRegistry(
		&fakeProvider{name: "openai", models: []string{"gpt-4o-mini"}, valid: true},
		&fakeProvider{name: "anthropic", valid: false},
	)
	checks := reg.CheckHealth()
	require.Len(t, checks, 2)
	byName := map[string]bool{}
	for _, c := range checks {
		byName[c.Name] = c.Healthy
	}
	require.True(t, byName["openai"])
	require.False(t, byName["anthropic"])
}

func TestRegistry_CreateManager(t *testing.T) {
	reg := ai.NewRegistry(
		&fakeProvider{name: "openai", models: []string{"gpt-4o-mini"}, valid: true},
		&fakeProvider{name: "stub", models: []string{"stub-small"}, valid: true},
	)

	m, err := reg.CreateManager("stub")
	require.NoError(t, err)
	require.Equal(t, []string{"openai", "stub"}, m.Names())

	resp, err := m.SendRequest(context.Background(), domain.AIRequest{Prompt: "p"})
	require.NoError(t, err)
	require.Equal(t, "stub", resp.Provider)

	// Empty default falls back to the first valid provider.
	m, err = reg.CreateManager("")
	require.NoError(t, err)
	p, err := m.GetProvider("")
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())

	_, err = reg.CreateManager("missing")
	require.ErrorIs(t, err, domain.ErrConfig)

	empty := ai.NewRegistry(&fakeProvider{name: "anthropic", valid: false})
	_, err = empty.CreateManager("")
	require.ErrorIs(t, err, domain.ErrConfig)
}

func TestManager_RegistrationAndRouting(t *testing.T) {
	m := ai.NewManager()
	require.NoError(t, m.Register(&fakeProvider{name: "openai", valid: true}))

	err := m.Register(&fakeProvider{name: "openai", valid: true})
	require.ErrorIs(t, err, domain.ErrConflict)

	err = m.SetDefault("missing")
	require.ErrorIs(t, err, domain.ErrConfig)

	// No default configured: empty lookups fail, named lookups work.
	_, err = m.GetProvider("")
	require.ErrorIs(t, err, domain.ErrConfig)
	_, err = m.GetProvider("openai")
	require.NoError(t, err)

	_, err = m.GetProvider("unknown")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
