// Package proxy is the in-process host runtime: it terminates the listener,
// feeds stream lifecycle events into the gateway filters, dispatches their
// outbound callouts, and forwards resumed requests to the selected upstream.
package proxy

import (
	"fmt"
	"strings"

	"github.com/katanemo/archgw/config"
)

// Clusters resolves the logical upstream names the filters dispatch against
// (model server, function-calling sidecar, application endpoints, LLM
// providers) to base URLs.
type Clusters struct {
	// ModelServerURL serves /embeddings, /guard, /zeroshot, /hallucination.
	ModelServerURL string
	// ArchFCURL serves the function-calling /v1/chat/completions.
	ArchFCURL string
	// Endpoints maps application endpoint names to hosts.
	Endpoints map[string]string
	// ProviderOverrides maps provider names to base URLs, taking precedence
	// over the built-in per-family defaults.
	ProviderOverrides map[string]string
}

// providerFamilyURLs are the built-in base URLs per provider family.
var providerFamilyURLs = map[string]string{
	"openai":  "https://api.openai.com",
	"mistral": "https://api.mistral.ai",
}

// NewClusters builds the resolver from configuration plus the sidecar
// addresses.
func NewClusters(cfg *config.Configuration, modelServerURL, archFCURL string) *Clusters {
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for name, endpoint := range cfg.Endpoints {
		endpoints[name] = normalizeBaseURL(endpoint.Endpoint)
	}
	return &Clusters{
		ModelServerURL: normalizeBaseURL(modelServerURL),
		ArchFCURL:      normalizeBaseURL(archFCURL),
		Endpoints:      endpoints,
	}
}

// ResolveAuthority maps a callout authority to a base URL.
func (c *Clusters) ResolveAuthority(authority string) (string, error) {
	switch authority {
	case "model_server":
		return c.ModelServerURL, nil
	case "arch_fc":
		return c.ArchFCURL, nil
	}
	if url, ok := c.Endpoints[authority]; ok {
		return url, nil
	}
	return "", fmt.Errorf("unknown upstream authority %q", authority)
}

// ResolveProvider maps a selected provider to its base URL.
func (c *Clusters) ResolveProvider(provider *config.LlmProvider) (string, error) {
	if url, ok := c.ProviderOverrides[provider.Name]; ok {
		return url, nil
	}
	if url, ok := c.Endpoints[provider.Name]; ok {
		return url, nil
	}
	if url, ok := providerFamilyURLs[provider.Provider]; ok {
		return url, nil
	}
	return "", fmt.Errorf("no base url known for provider %q (family %q)", provider.Name, provider.Provider)
}

func normalizeBaseURL(addr string) string {
	if addr == "" {
		return ""
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}
