package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Configuration, error) {
	var cfg Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePrompt
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Validate enforces the structural invariants the gateways rely on.
func (c *Configuration) Validate() error {
	if len(c.LlmProviders) == 0 {
		return fmt.Errorf("there must be at least one llm provider")
	}

	defaults := 0
	seenProviders := make(map[string]struct{}, len(c.LlmProviders))
	for _, p := range c.LlmProviders {
		if _, ok := seenProviders[p.Name]; ok {
			return fmt.Errorf("llm provider %q is not a unique name", p.Name)
		}
		seenProviders[p.Name] = struct{}{}
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("there must be at most one default llm provider")
	}

	defaultTargets := 0
	if _, err := c.PromptTargetMap(); err != nil {
		return err
	}
	for _, pt := range c.PromptTargets {
		if pt.Default {
			defaultTargets++
		}
	}
	if defaultTargets > 1 {
		return fmt.Errorf("there must be at most one default prompt target")
	}

	type selectorKey struct {
		model, key, value string
		specific          bool
	}
	seenLimits := make(map[selectorKey]struct{}, len(c.Ratelimits))
	for _, rl := range c.Ratelimits {
		if rl.Limit.Tokens <= 0 {
			return fmt.Errorf("ratelimit for model %q must have a positive token budget", rl.Model)
		}
		switch rl.Limit.Unit {
		case UnitSecond, UnitMinute, UnitHour:
		default:
			return fmt.Errorf("ratelimit for model %q has unknown unit %q", rl.Model, rl.Limit.Unit)
		}
		key := selectorKey{model: rl.Model, key: rl.Selector.Key, specific: rl.Selector.Value != nil}
		if rl.Selector.Value != nil {
			key.value = *rl.Selector.Value
		}
		if _, ok := seenLimits[key]; ok {
			return fmt.Errorf("repeated selector for model %q: selectors per model must be unique", rl.Model)
		}
		seenLimits[key] = struct{}{}
	}

	if c.PromptGuards != nil {
		for guard := range c.PromptGuards.InputGuards {
			if guard != GuardJailbreak {
				return fmt.Errorf("unknown input guard %q", guard)
			}
		}
	}

	switch c.Mode {
	case ModeLlm, ModePrompt:
	default:
		return fmt.Errorf("unknown gateway mode %q", c.Mode)
	}

	return nil
}
