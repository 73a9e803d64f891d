package llm

import (
	"math/rand"
	"sort"

	"github.com/katanemo/archgw/config"
)

// ProviderHint is the parsed x-arch-llm-provider-hint header.
type ProviderHint struct {
	// Default is set when the caller asked for the default provider by the
	// literal hint "default".
	Default bool
	// Name is the requested provider name when Default is false.
	Name string
}

// ParseProviderHint interprets a hint header value.
func ParseProviderHint(value string) ProviderHint {
	if value == "default" {
		return ProviderHint{Default: true}
	}
	return ProviderHint{Name: value}
}

// SelectProvider resolves a provider for a request. Resolution order: the
// hinted provider (default flag or name), then the configured default, then a
// uniformly random provider. Given the non-empty catalog invariant this never
// fails.
func SelectProvider(providers *Providers, hint *ProviderHint) *config.LlmProvider {
	if hint != nil {
		if hint.Default {
			if def, ok := providers.Default(); ok {
				return def
			}
		} else if provider, ok := providers.Get(hint.Name); ok {
			return provider
		}
	}

	if def, ok := providers.Default(); ok {
		return def
	}

	names := providers.Names()
	sort.Strings(names)
	provider, _ := providers.Get(names[rand.Intn(len(names))])
	return provider
}
