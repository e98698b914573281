// Package capability resolves the visibility scope an actor holds over
// workflow instances, from a static role policy with an in-memory cache.
package capability

import (
	"sync"
	"time"

	"github.com/medlar/approvals/model"
)

// Scope is the breadth of workflow instances an actor may see.
type Scope string

const (
	// ScopeAll grants visibility over every instance of every kind.
	ScopeAll Scope = "all"

	// ScopeEntity grants visibility over instances belonging to the
	// actor's contracted entity.
	ScopeEntity Scope = "entity"

	// ScopeOwn restricts visibility to instances the actor created.
	ScopeOwn Scope = "own"
)

// ScopeResolver determines the visibility scope for an actor.
type ScopeResolver interface {
	Resolve(actor *model.ActorContext) (Scope, error)
}

// PolicyEvaluator computes a scope from an actor's roles, without caching.
type PolicyEvaluator interface {
	ResolveScope(actor *model.ActorContext) (Scope, error)
}

type cacheEntry struct {
	scope   Scope
	expires time.Time
}

// Resolver implements ScopeResolver with an in-memory cache keyed by
// subject and entity.
type Resolver struct {
	evaluator PolicyEvaluator
	ttl       time.Duration
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

func cacheKey(actor *model.ActorContext) string {
	return actor.SubjectID + ":" + actor.EntityID
}

// Resolve returns the actor's visibility scope. Results are cached for the
// configured TTL.
func (r *Resolver) Resolve(actor *model.ActorContext) (Scope, error) {
	key := cacheKey(actor)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.scope, nil
	}
	r.mu.RUnlock()

	scope, err := r.evaluator.ResolveScope(actor)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{scope: scope, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return scope, nil
}

// Invalidate clears the cached scope for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
