// Package ratelimit implements the per-(model, selector) token-bucket engine.
//
// The data structure is laid out as model -> { selector -> buckets }. A
// selector configured with a value holds exactly one bucket, keyed by the
// empty string. A selector configured without a value holds one independent
// bucket per observed header value.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/katanemo/archgw/config"
)

// Header is a concrete selector observed on a request: a header key together
// with the value it carried.
type Header struct {
	Key   string
	Value string
}

// ExceededLimitError reports a rejected consumption.
type ExceededLimitError struct {
	Model      string
	Selector   Header
	TokensUsed int
}

// Error implements the error interface.
func (e *ExceededLimitError) Error() string {
	return fmt.Sprintf("exceeded limit model=%s, selector={%s %s}, tokens_used=%d",
		e.Model, e.Selector.Key, e.Selector.Value, e.TokensUsed)
}

type selectorKey struct {
	key      string
	value    string
	specific bool
}

// bucketFamily holds the buckets of one configured selector. The limiter map
// is keyed by the empty string for specific selectors and by the observed
// header value for wildcard selectors.
type bucketFamily struct {
	limit config.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (f *bucketFamily) take(bucketKey string, tokens int, now time.Time) bool {
	f.mu.Lock()
	limiter, ok := f.limiters[bucketKey]
	if !ok {
		limiter = newLimiter(f.limit)
		f.limiters[bucketKey] = limiter
	}
	f.mu.Unlock()
	return limiter.AllowN(now, tokens)
}

func newLimiter(limit config.Limit) *rate.Limiter {
	var window time.Duration
	switch limit.Unit {
	case config.UnitSecond:
		window = time.Second
	case config.UnitMinute:
		window = time.Minute
	case config.UnitHour:
		window = time.Hour
	}
	refill := rate.Limit(float64(limit.Tokens) / window.Seconds())
	return rate.NewLimiter(refill, limit.Tokens)
}

// Engine is the process-wide rate-limit table. The table itself is immutable
// after New; per-bucket state is internally synchronized.
type Engine struct {
	mu     sync.RWMutex
	models map[string]map[selectorKey]*bucketFamily
	logger *zap.Logger
}

// New builds the engine from configuration. Two rules with an identical
// (model, selector) pair are rejected.
func New(rules []config.Ratelimit, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &Engine{
		models: make(map[string]map[selectorKey]*bucketFamily),
		logger: logger.With(zap.String("component", "ratelimit")),
	}
	for _, rule := range rules {
		key := selectorKey{key: rule.Selector.Key, specific: rule.Selector.Value != nil}
		if rule.Selector.Value != nil {
			key.value = *rule.Selector.Value
		}
		families, ok := engine.models[rule.Model]
		if !ok {
			families = make(map[selectorKey]*bucketFamily)
			engine.models[rule.Model] = families
		}
		if _, ok := families[key]; ok {
			return nil, fmt.Errorf("repeated selector for model %q: selectors per model must be unique", rule.Model)
		}
		families[key] = &bucketFamily{
			limit:    rule.Limit,
			limiters: make(map[string]*rate.Limiter),
		}
	}
	return engine, nil
}

// Check consumes tokens from the bucket matching (model, selector). The
// lookup order is: a specific rule for the exact (key, value) pair, then a
// wildcard rule for the key; only the first match is consulted. Models and
// selectors with no configured rule are always allowed. Consumption is
// all-or-nothing: a rejected request consumes no tokens.
func (e *Engine) Check(model string, selector Header, tokens int) error {
	return e.checkAt(time.Now(), model, selector, tokens)
}

func (e *Engine) checkAt(now time.Time, model string, selector Header, tokens int) error {
	if tokens <= 0 {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	families, ok := e.models[model]
	if !ok {
		return nil
	}

	e.logger.Debug("checking limit",
		zap.String("model", model),
		zap.String("selector_key", selector.Key),
		zap.String("selector_value", selector.Value),
		zap.Int("tokens", tokens))

	family, bucketKey := lookupFamily(families, selector)
	if family == nil {
		return nil
	}

	if !family.take(bucketKey, tokens, now) {
		return &ExceededLimitError{Model: model, Selector: selector, TokensUsed: tokens}
	}
	return nil
}

func lookupFamily(families map[selectorKey]*bucketFamily, selector Header) (*bucketFamily, string) {
	// A specific rule was configured with both key and value, so the key of
	// its single internal bucket does not matter.
	if family, ok := families[selectorKey{key: selector.Key, value: selector.Value, specific: true}]; ok {
		return family, ""
	}
	// A wildcard rule gives every observed header value its own bucket.
	if family, ok := families[selectorKey{key: selector.Key}]; ok {
		return family, selector.Value
	}
	return nil, ""
}
