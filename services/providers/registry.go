package providers

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrProviderNotFound is returned when no provider serves a model and no default is set
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry routes models to providers by exact mapping, then longest prefix, then the default
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	modelProviders  map[string]string // model -> provider name
	modelPrefixes   map[string]string // model prefix -> provider name
	defaultProvider string
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers:      make(map[string]Provider),
		modelProviders: make(map[string]string),
		modelPrefixes:  make(map[string]string),
	}
}

// RegisterProvider registers a provider instance. The first provider becomes the default.
func (r *Registry) RegisterProvider(provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}
	if _, exists := r.providers[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.providers[name] = provider
	if r.defaultProvider == "" {
		r.defaultProvider = name
	}
	return nil
}

// SetDefault selects the provider used for models without a mapping
func (r *Registry) SetDefault(providerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerName]; !ok {
		return ErrProviderNotFound
	}
	r.defaultProvider = providerName
	return nil
}

// RegisterModelPrefix registers a model prefix to provider mapping (e.g., "claude-" -> "anthropic")
func (r *Registry) RegisterModelPrefix(prefix, providerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerName]; !ok {
		return ErrProviderNotFound
	}
	r.modelPrefixes[prefix] = providerName
	return nil
}

// RegisterModelMapping manually registers a model to provider mapping
func (r *Registry) RegisterModelMapping(model, providerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerName]; !ok {
		return ErrProviderNotFound
	}
	r.modelProviders[model] = providerName
	return nil
}

// GetProvider retrieves a provider by name
func (r *Registry) GetProvider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// GetProviderForModel finds the provider that serves a given model
func (r *Registry) GetProviderForModel(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.modelProviders[model]; ok {
		return r.providers[name], nil
	}

	best := ""
	for prefix := range r.modelPrefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return r.providers[r.modelPrefixes[best]], nil
	}

	if r.defaultProvider != "" {
		return r.providers[r.defaultProvider], nil
	}
	return nil, ErrProviderNotFound
}

// ListProviders returns all registered provider names
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
