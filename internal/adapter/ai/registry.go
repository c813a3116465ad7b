package ai

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// Registry partitions candidate providers by ValidateConfig and answers
// capability and routing questions over the valid set.
type Registry struct {
	valid   []domain.Provider
	invalid []domain.Provider
}

// Capability summarizes one discovered provider.
type Capability struct {
	Name       string   `json:"name"`
	Models     []string `json:"models"`
	Valid      bool     `json:"valid"`
	ModelCount int      `json:"modelCount"`
}

// ProviderHealth is one CheckHealth result with timing.
type ProviderHealth struct {
	Name          string        `json:"name"`
	Healthy       bool          `json:"healthy"`
	CheckDuration time.Duration `json:"checkDuration"`
	Error         string        `json:"error,omitempty"`
}

// NewRegistry validates each candidate's configuration (cheap local check,
// e.g. credential present) and partitions accordingly.
func NewRegistry(candidates ...domain.Provider) *Registry {
	r := &Registry{}
	for _, p := range candidates {
		if p.ValidateConfig() {
			r.valid = append(r.valid, p)
			continue
		}
		slog.Warn("provider configuration invalid, excluded from routing", slog.String("provider", p.Name()))
		r.invalid = append(r.invalid, p)
	}
	slog.Info("provider registry built",
		slog.Int("valid", len(r.valid)),
		slog.Int("invalid", len(r.invalid)))
	return r
}

// GetDiscovered returns the valid and invalid partitions.
func (r *Registry) GetDiscovered() (valid, invalid []domain.Provider) {
	return r.valid, r.invalid
}

// Capabilities reports every discovered provider, valid or not.
func (r *Registry) Capabilities() []Capability {
	out := make([]Capability, 0, len(r.valid)+len(r.invalid))
	for _, p := range r.valid {
		out = append(out, Capability{Name: p.Name(), Models: p.Models(), Valid: true, ModelCount: len(p.Models())})
	}
	for _, p := range r.invalid {
		out = append(out, Capability{Name: p.Name(), Models: p.Models(), Valid: false, ModelCount: len(p.Models())})
	}
	return out
}

// FindByModel returns the first valid provider accepting the model.
func (r *Registry) FindByModel(model string) (domain.Provider, error) {
	for _, p := range r.valid {
		for _, m := range p.Models() {
			if m == model {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no valid provider serves model %q", domain.ErrNotFound, model)
}

// Recommend picks a provider for a request type. Analysis-heavy work favors
// the larger-context providers; everything else takes the first valid one.
func (r *Registry) Recommend(requestType string) (domain.Provider, error) {
	if len(r.valid) == 0 {
		return nil, fmt.Errorf("%w: no valid providers discovered", domain.ErrNotFound)
	}
	var preferred string
	switch requestType {
	case "analysis", "code", "reasoning":
		preferred = "anthropic"
	case "chat", "completion", "":
		preferred = "openai"
	}
	for _, p := range r.valid {
		if p.Name() == preferred {
			return p, nil
		}
	}
	return r.valid[0], nil
}

// RecommendByComplexity maps low complexity onto the cheapest valid
// provider's models and high complexity onto the largest context window.
func (r *Registry) RecommendByComplexity(complexity string) (domain.Provider, error) {
	if len(r.valid) == 0 {
		return nil, fmt.Errorf("%w: no valid providers discovered", domain.ErrNotFound)
	}
	switch complexity {
	case "low", "medium", "high":
	default:
		return nil, fmt.Errorf("%w: unknown complexity %q", domain.ErrInvalidArgument, complexity)
	}

	best := r.valid[0]
	bestScore := providerScore(best, complexity)
	for _, p := range r.valid[1:] {
		if s := providerScore(p, complexity); s > bestScore {
			best, bestScore = p, s
		}
	}
	return best, nil
}

// providerScore ranks a provider for a complexity class using its cheapest
// (low) or largest-window (high) model.
func providerScore(p domain.Provider, complexity string) float64 {
	var score float64
	for _, m := range p.Models() {
		spec, ok := LookupModel(m)
		if !ok {
			continue
		}
		switch complexity {
		case "low":
			// cheaper is better
			cost := spec.InputCostPer1K + spec.OutputCostPer1K
			if s := 1 / (cost + 1e-6); s > score {
				score = s
			}
		case "high":
			if s := float64(spec.ContextWindow); s > score {
				score = s
			}
		default: // medium: balance window against cost
			cost := spec.InputCostPer1K + spec.OutputCostPer1K
			if s := float64(spec.ContextWindow) / (cost*1000 + 1); s > score {
				score = s
			}
		}
	}
	return score
}

// CheckHealth re-validates every discovered provider with per-check timing.
func (r *Registry) CheckHealth() []ProviderHealth {
	all := append(append([]domain.Provider{}, r.valid...), r.invalid...)
	out := make([]ProviderHealth, 0, len(all))
	for _, p := range all {
		start := time.Now()
		ok := p.ValidateConfig()
		h := ProviderHealth{Name: p.Name(), Healthy: ok, CheckDuration: time.Since(start)}
		if !ok {
			h.Error = "configuration invalid"
		}
		out = append(out, h)
	}
	return out
}

// CreateManager builds the runtime router from the valid providers.
func (r *Registry) CreateManager(defaultName string) (*Manager, error) {
	if len(r.valid) == 0 {
		return nil, fmt.Errorf("%w: no valid providers to manage", domain.ErrConfig)
	}
	m := NewManager()
	for _, p := range r.valid {
		if err := m.Register(p); err != nil {
			return nil, err
		}
	}
	if defaultName == "" {
		defaultName = r.valid[0].Name()
	}
	if err := m.SetDefault(defaultName); err != nil {
		return nil, err
	}
	return m, nil
}
