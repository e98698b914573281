package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/medlar/approvals/model"
)

// snapshot is an immutable collection of kind definitions indexed by kind.
type snapshot struct {
	kinds    map[string]model.KindDefinition
	checksum string
}

// Registry is a read-optimized, thread-safe store of workflow kind
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.KindDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Later definitions for the same kind override
// earlier ones, which is how YAML overrides layer on top of the built-ins.
func (r *Registry) Replace(defs []model.KindDefinition) {
	s := &snapshot{
		kinds: make(map[string]model.KindDefinition, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		s.kinds[def.Kind] = def
	}
	for kind, def := range s.kinds {
		raw, _ := json.Marshal(def)
		checksumParts = append(checksumParts, fmt.Sprintf("%s:%x", kind, sha256.Sum256(raw)))
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ";")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Kind returns the definition for the given workflow kind.
func (r *Registry) Kind(kind string) (model.KindDefinition, bool) {
	d, ok := r.current().kinds[kind]
	return d, ok
}

// LegalTransitions returns the transitions available from the given state of
// the given kind. Terminal states yield an empty list apart from side
// transitions. Fails with UNKNOWN_KIND for an unregistered kind.
func (r *Registry) LegalTransitions(kind, fromState string) ([]model.TransitionSpec, error) {
	def, ok := r.Kind(kind)
	if !ok {
		return nil, model.NewUnknownKindError(kind)
	}
	return def.TransitionsFrom(fromState), nil
}

// AllKinds returns every registered kind definition sorted by kind.
func (r *Registry) AllKinds() []model.KindDefinition {
	s := r.current()
	defs := make([]model.KindDefinition, 0, len(s.kinds))
	for _, d := range s.kinds {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Kind < defs[j].Kind })
	return defs
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
