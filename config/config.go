// Package config is the typed view of the gateway's YAML configuration:
// listener, providers, prompt targets, guards, rate limits, and overrides.
// Everything here is read-only after Load returns.
package config

import (
	"fmt"

	"github.com/katanemo/archgw/types"
)

// GatewayMode selects which filter pipeline the listener installs.
type GatewayMode string

const (
	ModeLlm    GatewayMode = "llm"
	ModePrompt GatewayMode = "prompt"
)

// Configuration is the root of the YAML document.
type Configuration struct {
	Version       string       `yaml:"version"`
	Listener      Listener     `yaml:"listener"`
	Endpoints     map[string]Endpoint `yaml:"endpoints,omitempty"`
	LlmProviders  []LlmProvider `yaml:"llm_providers"`
	Overrides     *Overrides    `yaml:"overrides,omitempty"`
	SystemPrompt  *string       `yaml:"system_prompt,omitempty"`
	PromptGuards  *PromptGuards `yaml:"prompt_guards,omitempty"`
	PromptTargets []PromptTarget `yaml:"prompt_targets,omitempty"`
	ErrorTarget   *ErrorTargetDetail `yaml:"error_target,omitempty"`
	Ratelimits    []Ratelimit   `yaml:"ratelimits,omitempty"`
	Tracing       *Tracing      `yaml:"tracing,omitempty"`
	Mode          GatewayMode   `yaml:"mode,omitempty"`
}

// Listener describes the data-plane bind point.
type Listener struct {
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	MessageFormat string `yaml:"message_format"`
}

// Endpoint names an upstream application host.
type Endpoint struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Overrides tunes pipeline thresholds.
type Overrides struct {
	PromptTargetIntentMatchingThreshold *float64 `yaml:"prompt_target_intent_matching_threshold,omitempty"`
}

// Tracing holds the tracing block. It is parsed only; callouts
// forward an inbound traceparent header regardless of these settings.
type Tracing struct {
	SamplingRate      *float64 `yaml:"sampling_rate,omitempty"`
	TraceArchInternal *bool    `yaml:"trace_arch_internal,omitempty"`
}

// ErrorTargetDetail names the endpoint guard failures may be forwarded to.
type ErrorTargetDetail struct {
	Endpoint *EndpointDetails `yaml:"endpoint,omitempty"`
}

// GuardType enumerates the supported input guards.
type GuardType string

const GuardJailbreak GuardType = "jailbreak"

// PromptGuards maps guard types to their exception handling options.
type PromptGuards struct {
	InputGuards map[GuardType]GuardOptions `yaml:"input_guards"`
}

// JailbreakEnabled reports whether the jailbreak guard is configured.
func (g *PromptGuards) JailbreakEnabled() bool {
	if g == nil {
		return false
	}
	_, ok := g.InputGuards[GuardJailbreak]
	return ok
}

// JailbreakOnExceptionMessage returns the configured rejection message, or ""
// when none is set.
func (g *PromptGuards) JailbreakOnExceptionMessage() string {
	if g == nil {
		return ""
	}
	options, ok := g.InputGuards[GuardJailbreak]
	if !ok || options.OnException == nil || options.OnException.Message == nil {
		return ""
	}
	return *options.OnException.Message
}

// GuardOptions configures a single guard.
type GuardOptions struct {
	OnException *OnExceptionDetails `yaml:"on_exception,omitempty"`
}

// OnExceptionDetails describes what to do when a guard trips. Only Message is
// acted on; the other fields are accepted for forward compatibility.
type OnExceptionDetails struct {
	ForwardToErrorTarget *bool   `yaml:"forward_to_error_target,omitempty"`
	ErrorHandler         *string `yaml:"error_handler,omitempty"`
	Message              *string `yaml:"message,omitempty"`
}

// Header is a rate-limit selector: a header key with an optional pinned
// value. A nil value means every observed value gets its own bucket.
type Header struct {
	Key   string  `yaml:"key"`
	Value *string `yaml:"value,omitempty"`
}

// TimeUnit is a rate-limit window.
type TimeUnit string

const (
	UnitSecond TimeUnit = "second"
	UnitMinute TimeUnit = "minute"
	UnitHour   TimeUnit = "hour"
)

// Limit is a token budget per time unit.
type Limit struct {
	Tokens int      `yaml:"tokens"`
	Unit   TimeUnit `yaml:"unit"`
}

// Ratelimit binds a token budget to a (model, selector) pair.
type Ratelimit struct {
	Model    string `yaml:"model"`
	Selector Header `yaml:"selector"`
	Limit    Limit  `yaml:"limit"`
}

// LlmProvider describes one upstream LLM backend.
type LlmProvider struct {
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"`
	AccessKey string `yaml:"access_key,omitempty"`
	Model     string `yaml:"model"`
	Default   bool   `yaml:"default,omitempty"`
	Stream    *bool  `yaml:"stream,omitempty"`
}

// HttpMethod restricts application endpoints to GET and POST.
type HttpMethod string

const (
	MethodGet  HttpMethod = "GET"
	MethodPost HttpMethod = "POST"
)

// EndpointDetails binds a prompt target to an application endpoint.
type EndpointDetails struct {
	Name   string      `yaml:"name"`
	Path   *string     `yaml:"path,omitempty"`
	Method *HttpMethod `yaml:"http_method,omitempty"`
}

// PathOrRoot returns the configured path, defaulting to "/".
func (e EndpointDetails) PathOrRoot() string {
	if e.Path == nil || *e.Path == "" {
		return "/"
	}
	return *e.Path
}

// MethodOrDefault returns the configured method, defaulting to GET.
func (e EndpointDetails) MethodOrDefault() HttpMethod {
	if e.Method == nil {
		return MethodGet
	}
	return *e.Method
}

// Parameter is one typed argument of a prompt target.
type Parameter struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type,omitempty"`
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required,omitempty"`
	EnumValues  []string `yaml:"enum,omitempty"`
	Default     string   `yaml:"default,omitempty"`
	InPath      bool     `yaml:"in_path,omitempty"`
	Format      string   `yaml:"format,omitempty"`
}

// PromptTarget is a named intent with a typed parameter schema and an
// optional bound application endpoint.
type PromptTarget struct {
	Name                     string           `yaml:"name"`
	Default                  bool             `yaml:"default,omitempty"`
	Description              string           `yaml:"description"`
	Endpoint                 *EndpointDetails `yaml:"endpoint,omitempty"`
	Parameters               []Parameter      `yaml:"parameters,omitempty"`
	SystemPrompt             *string          `yaml:"system_prompt,omitempty"`
	AutoLlmDispatchOnResponse bool            `yaml:"auto_llm_dispatch_on_response,omitempty"`
}

// ToTool converts a prompt target into the tool definition handed to the
// function-calling model.
func (pt *PromptTarget) ToTool() types.ChatCompletionTool {
	properties := make(map[string]types.FunctionParameter, len(pt.Parameters))
	for _, p := range pt.Parameters {
		properties[p.Name] = types.FunctionParameter{
			Type:        types.ParameterTypeFrom(p.Type),
			Description: p.Description,
			Required:    p.Required,
			Enum:        p.EnumValues,
			Default:     p.Default,
			Format:      p.Format,
		}
	}
	return types.ChatCompletionTool{
		Type: types.ToolTypeFunction,
		Function: types.FunctionDefinition{
			Name:        pt.Name,
			Description: pt.Description,
			Parameters:  types.FunctionParameters{Properties: properties},
		},
	}
}

// PromptTargetMap keys targets by name, rejecting duplicates.
func (c *Configuration) PromptTargetMap() (map[string]PromptTarget, error) {
	targets := make(map[string]PromptTarget, len(c.PromptTargets))
	for _, pt := range c.PromptTargets {
		if _, ok := targets[pt.Name]; ok {
			return nil, fmt.Errorf("prompt target %q is not a unique name", pt.Name)
		}
		targets[pt.Name] = pt
	}
	return targets, nil
}

// DefaultPromptTarget returns the target flagged default, if any.
func DefaultPromptTarget(targets map[string]PromptTarget) (PromptTarget, bool) {
	for _, pt := range targets {
		if pt.Default {
			return pt, true
		}
	}
	return PromptTarget{}, false
}

// IntentMatchingThreshold resolves the similarity floor, honoring overrides.
func (c *Configuration) IntentMatchingThreshold(defaultThreshold float64) float64 {
	if c.Overrides != nil && c.Overrides.PromptTargetIntentMatchingThreshold != nil {
		return *c.Overrides.PromptTargetIntentMatchingThreshold
	}
	return defaultThreshold
}
