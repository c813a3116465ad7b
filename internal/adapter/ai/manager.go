package ai

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// Manager routes requests to registered providers with a designated default.
type Manager struct {
	providers   map[string]domain.Provider
	defaultName string
}

// NewManager constructs an empty provider router.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]domain.Provider)}
}

// Register adds a provider. Duplicate registration is an explicit error.
func (m *Manager) Register(p domain.Provider) error {
	name := p.Name()
	if _, ok := m.providers[name]; ok {
		return fmt.Errorf("%w: provider %q already registered", domain.ErrConflict, name)
	}
	m.providers[name] = p
	slog.Info("provider registered", slog.String("provider", name), slog.Int("models", len(p.Models())))
	return nil
}

// SetDefault designates the fallback provider for requests without one.
func (m *Manager) SetDefault(name string) error {
	if _, ok := m.providers[name]; !ok {
		return fmt.Errorf("%w: cannot default to unknown provider %q", domain.ErrConfig, name)
	}
	m.defaultName = name
	return nil
}

// GetProvider resolves a provider by name, or the default when name is
// empty. Unknown names and a missing default both fail explicitly.
func (m *Manager) GetProvider(name string) (domain.Provider, error) {
	if name == "" {
		if m.defaultName == "" {
			return nil, fmt.Errorf("%w: no default provider configured", domain.ErrConfig)
		}
		name = m.defaultName
	}
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidArgument, name)
	}
	return p, nil
}

// SendRequest routes to req.Provider or the default.
func (m *Manager) SendRequest(ctx domain.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	p, err := m.GetProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	return p.SendRequest(ctx, req)
}

// Names lists registered provider names, sorted for stable output.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.providers))
	for name := range m.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Providers returns the registered providers keyed by name.
func (m *Manager) Providers() map[string]domain.Provider {
	out := make(map[string]domain.Provider, len(m.providers))
	for k, v := range m.providers {
		out[k] = v
	}
	return out
}
