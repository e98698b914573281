package model

import (
	"context"
	"errors"
	"fmt"
)

// ActorContext carries the authenticated principal for the lifetime of a
// request: who is acting, which roles they hold, and which entity (health
// plan, operator group) they belong to. It is immutable after construction
// and safe for concurrent reads.
type ActorContext struct {
	SubjectID     string
	Email         string
	EntityID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
// SubjectID must be non-empty.
func (ac *ActorContext) Validate() error {
	var errs []error
	if ac.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the actor holds the given role.
func (ac *ActorContext) HasRole(role string) bool {
	for _, r := range ac.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole returns true if the actor holds at least one of the given roles.
func (ac *ActorContext) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if ac.HasRole(role) {
			return true
		}
	}
	return false
}

// Claim returns the value of the given claim key, or nil if not present.
func (ac *ActorContext) Claim(key string) any {
	if ac.Claims == nil {
		return nil
	}
	return ac.Claims[key]
}

type actorKey struct{}

// WithActorContext attaches an ActorContext to the given context.
func WithActorContext(ctx context.Context, actor *ActorContext) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorContextFrom extracts the ActorContext from the context, or returns nil
// if not present.
func ActorContextFrom(ctx context.Context) *ActorContext {
	actor, _ := ctx.Value(actorKey{}).(*ActorContext)
	return actor
}

// MustActorContext extracts the ActorContext from the context, panicking if it
// is not present. This is safe to call in handlers that are guaranteed to run
// behind the authentication middleware.
func MustActorContext(ctx context.Context) *ActorContext {
	actor := ActorContextFrom(ctx)
	if actor == nil {
		panic("model: ActorContext not found in context")
	}
	return actor
}
