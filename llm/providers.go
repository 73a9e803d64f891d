// Package llm holds the upstream provider catalog and the router that picks
// a provider for each request.
package llm

import (
	"fmt"

	"github.com/katanemo/archgw/config"
)

// Providers is the immutable provider catalog built at startup: providers
// keyed by name, plus the optional default.
type Providers struct {
	providers map[string]*config.LlmProvider
	def       *config.LlmProvider
}

// NewProviders builds the catalog. It fails when the source is empty, when
// two providers share a name, or when more than one is flagged default.
func NewProviders(source []config.LlmProvider) (*Providers, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("there must be at least one llm provider")
	}

	catalog := &Providers{providers: make(map[string]*config.LlmProvider, len(source))}
	for i := range source {
		provider := &source[i]
		if provider.Default {
			if catalog.def != nil {
				return nil, fmt.Errorf("there must be at most one default llm provider")
			}
			catalog.def = provider
		}
		if _, ok := catalog.providers[provider.Name]; ok {
			return nil, fmt.Errorf("%q is not a unique name", provider.Name)
		}
		catalog.providers[provider.Name] = provider
	}
	return catalog, nil
}

// Default returns the default provider, if one was configured.
func (p *Providers) Default() (*config.LlmProvider, bool) {
	return p.def, p.def != nil
}

// Get looks a provider up by name.
func (p *Providers) Get(name string) (*config.LlmProvider, bool) {
	provider, ok := p.providers[name]
	return provider, ok
}

// Len returns the number of configured providers.
func (p *Providers) Len() int { return len(p.providers) }

// Names returns the provider names in unspecified order.
func (p *Providers) Names() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	return names
}
