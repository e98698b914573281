package model

// KindDefinition declares the full state graph for one workflow kind: the
// states, the single initial state, and every legal transition with its
// authorization and precondition requirements. Definitions are loaded at
// process start and never mutated at runtime.
type KindDefinition struct {
	Kind         string           `yaml:"kind"          json:"kind"`
	Name         string           `yaml:"name"          json:"name"`
	InitialState string           `yaml:"initial_state" json:"initial_state"`
	CreatorRoles []string         `yaml:"creator_roles" json:"creator_roles"`
	States       []StateSpec      `yaml:"states"        json:"states"`
	Transitions  []TransitionSpec `yaml:"transitions"   json:"transitions"`
}

// StateSpec describes one node in a kind's state graph.
type StateSpec struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name"`
	// Terminal states accept no further main-flow transitions. Side
	// transitions (administrative annotations) remain legal.
	Terminal bool `yaml:"terminal" json:"terminal"`
	// Outcome classifies terminal states as "success" or "failure".
	// Empty for non-terminal states.
	Outcome string `yaml:"outcome,omitempty" json:"outcome,omitempty"`
}

// Terminal state outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// TransitionSpec maps (from_state, action) to a target state with its
// authorization and gating requirements.
type TransitionSpec struct {
	From   string `yaml:"from"   json:"from"`
	Action string `yaml:"action" json:"action"`
	To     string `yaml:"to"     json:"to"`

	// AllowedRoles authorize the action. An actor needs at least one.
	AllowedRoles []string `yaml:"allowed_roles" json:"allowed_roles"`

	// CreatorAllowed additionally authorizes the instance creator,
	// regardless of roles (contract submission by its author).
	CreatorAllowed bool `yaml:"creator_allowed,omitempty" json:"creator_allowed,omitempty"`

	// Precondition names an external fact that must hold before the
	// transition is legal, distinct from role authorization. Evaluated by
	// the engine's precondition registry.
	Precondition string `yaml:"precondition,omitempty" json:"precondition,omitempty"`

	// Side marks administrative transitions (operator sub-approval,
	// addendum marking, billing) that are exempt from the terminal-state
	// cutoff. A side transition may keep To equal to From.
	Side bool `yaml:"side,omitempty" json:"side,omitempty"`

	// Effect names the side-effect hook the engine runs inside the
	// transition's unit of work (appointment booking, fallback
	// scheduling, payload mutation).
	Effect string `yaml:"effect,omitempty" json:"effect,omitempty"`

	// ValueGated marks the transition as the trigger of the double
	// verification gate: when the instance carries a verification_id, the
	// gate must have resolved to "verified" before this transition may
	// proceed.
	ValueGated bool `yaml:"value_gated,omitempty" json:"value_gated,omitempty"`

	// NotifyRoles lists the roles to fan notification events out to after
	// the transition commits. The instance creator is always notified.
	NotifyRoles []string `yaml:"notify_roles,omitempty" json:"notify_roles,omitempty"`
}

// StateByID returns the state spec with the given ID.
func (kd *KindDefinition) StateByID(id string) (StateSpec, bool) {
	for _, s := range kd.States {
		if s.ID == id {
			return s, true
		}
	}
	return StateSpec{}, false
}

// TransitionsFrom returns every transition spec departing from the given
// state. Main-flow transitions from terminal states are excluded; side
// transitions are always included.
func (kd *KindDefinition) TransitionsFrom(state string) []TransitionSpec {
	st, ok := kd.StateByID(state)
	if !ok {
		return nil
	}
	var out []TransitionSpec
	for _, t := range kd.Transitions {
		if t.From != state {
			continue
		}
		if st.Terminal && !t.Side {
			continue
		}
		out = append(out, t)
	}
	return out
}

// FindTransition returns the transition spec for (from_state, action), if
// legal from that state.
func (kd *KindDefinition) FindTransition(state, action string) (TransitionSpec, bool) {
	for _, t := range kd.TransitionsFrom(state) {
		if t.Action == action {
			return t, true
		}
	}
	return TransitionSpec{}, false
}
