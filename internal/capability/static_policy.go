package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/medlar/approvals/model"
)

type policyFile struct {
	Scopes map[string]string `yaml:"scopes"`
}

// DefaultPolicy returns the built-in role to scope mapping used when no
// policy file is configured. Oversight roles see everything, plan
// administrators see their entity's instances, everyone else sees only
// what they created.
func DefaultPolicy() map[string]Scope {
	return map[string]Scope{
		model.RoleAdmin:      ScopeAll,
		model.RoleSuperAdmin: ScopeAll,
		model.RoleDirector:   ScopeAll,
		model.RolePlanAdmin:  ScopeEntity,
	}
}

// StaticPolicyEvaluator resolves scopes from a role to scope mapping, loaded
// from a YAML file or falling back to the built-in default policy.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy map[string]Scope
}

// NewStaticPolicyEvaluator creates an evaluator that loads the policy from
// path. An empty path uses the built-in default policy.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path, policy: DefaultPolicy()}
	if path != "" {
		if err := e.Sync(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ResolveScope returns the widest scope granted by any of the actor's roles.
func (e *StaticPolicyEvaluator) ResolveScope(actor *model.ActorContext) (Scope, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	widest := ScopeOwn
	for _, role := range actor.Roles {
		scope, ok := e.policy[role]
		if !ok {
			continue
		}
		if wider(scope, widest) {
			widest = scope
		}
	}
	return widest, nil
}

// Sync reloads the policy file from disk.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	policy := make(map[string]Scope, len(p.Scopes))
	for role, raw := range p.Scopes {
		scope := Scope(raw)
		switch scope {
		case ScopeAll, ScopeEntity, ScopeOwn:
			policy[role] = scope
		default:
			return fmt.Errorf("capability: policy file %s: unknown scope %q for role %q", e.path, raw, role)
		}
	}

	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()

	return nil
}

func wider(a, b Scope) bool {
	return rank(a) > rank(b)
}

func rank(s Scope) int {
	switch s {
	case ScopeAll:
		return 2
	case ScopeEntity:
		return 1
	default:
		return 0
	}
}
