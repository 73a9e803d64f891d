// Package embeddings holds the prompt-target embedding cache and the vector
// math the intent matcher runs against it.
package embeddings

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Kind names what a vector embeds. Only target descriptions today; the store
// is keyed so other kinds can be added without reshaping it.
type Kind string

// KindDescription embeds a prompt target's natural-language description.
const KindDescription Kind = "description"

// KindMap maps embedding kinds to their vectors for one prompt target.
type KindMap map[Kind][]float64

// Store maps prompt target names to their embeddings. A published store is
// immutable; readers share it without synchronization.
type Store map[string]KindMap

// Get returns the vector stored under (name, kind).
func (s Store) Get(name string, kind Kind) ([]float64, bool) {
	kinds, ok := s[name]
	if !ok {
		return nil, false
	}
	vector, ok := kinds[kind]
	return vector, ok
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-length inputs yield 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return floats.Dot(a, b) / (normA * normB)
}

// Builder accumulates embeddings during bootstrap and publishes the store
// exactly once, when every expected target has been embedded.
type Builder struct {
	mu        sync.Mutex
	expected  int
	temp      Store
	published Store
}

// NewBuilder creates a builder expecting one entry per prompt target.
func NewBuilder(expectedTargets int) *Builder {
	return &Builder{expected: expectedTargets, temp: make(Store)}
}

// Add records a vector under (name, kind). Inserting the same pair twice is a
// configuration or logic error.
func (b *Builder) Add(name string, kind Kind, vector []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.published != nil {
		return fmt.Errorf("embedding store already published")
	}
	kinds, ok := b.temp[name]
	if !ok {
		kinds = make(KindMap)
		b.temp[name] = kinds
	}
	if _, ok := kinds[kind]; ok {
		return fmt.Errorf("duplicate %s embedding for prompt target %q", kind, name)
	}
	kinds[kind] = vector

	if len(b.temp) == b.expected {
		b.published = b.temp
		b.temp = nil
	}
	return nil
}

// Has reports whether (name, kind) is already stored.
func (b *Builder) Has(name string, kind Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	store := b.temp
	if b.published != nil {
		store = b.published
	}
	_, ok := store.Get(name, kind)
	return ok
}

// Published returns the immutable store once every target is embedded.
func (b *Builder) Published() (Store, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published, b.published != nil
}

// Len reports how many targets have at least one embedding so far.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published != nil {
		return len(b.published)
	}
	return len(b.temp)
}
