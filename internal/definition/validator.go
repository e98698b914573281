package definition

import (
	"fmt"

	"github.com/medlar/approvals/model"
)

// VError describes a single validation error in a kind definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks kind definitions against the structural invariants the
// engine relies on: a declared initial state, terminal success and failure
// states, no dangling transition endpoints, and no dead non-terminal states.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and returns every violation found.
func (v *Validator) Validate(defs []model.KindDefinition) []VError {
	var errs []VError
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d](%s)", i, def.Kind)
		errs = append(errs, v.validateKind(prefix, def)...)
	}
	return errs
}

func (v *Validator) validateKind(prefix string, def model.KindDefinition) []VError {
	var errs []VError

	if def.Kind == "" {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "REQUIRED", Message: "kind is required"})
	}
	if len(def.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
		return errs
	}

	stateIDs := make(map[string]model.StateSpec, len(def.States))
	for i, s := range def.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "state id is required"})
			continue
		}
		if _, dup := stateIDs[s.ID]; dup {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("state %q declared twice", s.ID)})
		}
		if s.Terminal && s.Outcome != model.OutcomeSuccess && s.Outcome != model.OutcomeFailure {
			errs = append(errs, VError{Path: sp + ".outcome", Code: "INVALID", Message: fmt.Sprintf("terminal state %q needs outcome success or failure", s.ID)})
		}
		if !s.Terminal && s.Outcome != "" {
			errs = append(errs, VError{Path: sp + ".outcome", Code: "INVALID", Message: fmt.Sprintf("non-terminal state %q must not declare an outcome", s.ID)})
		}
		stateIDs[s.ID] = s
	}

	// Exactly one initial state, and it must be declared and non-terminal.
	if def.InitialState == "" {
		errs = append(errs, VError{Path: prefix + ".initial_state", Code: "REQUIRED", Message: "initial_state is required"})
	} else if init, ok := stateIDs[def.InitialState]; !ok {
		errs = append(errs, VError{Path: prefix + ".initial_state", Code: "UNDECLARED", Message: fmt.Sprintf("initial state %q is not declared", def.InitialState)})
	} else if init.Terminal {
		errs = append(errs, VError{Path: prefix + ".initial_state", Code: "INVALID", Message: fmt.Sprintf("initial state %q must not be terminal", def.InitialState)})
	}

	// Every kind needs a terminal success state and a terminal failure state.
	var hasSuccess, hasFailure bool
	for _, s := range def.States {
		if !s.Terminal {
			continue
		}
		switch s.Outcome {
		case model.OutcomeSuccess:
			hasSuccess = true
		case model.OutcomeFailure:
			hasFailure = true
		}
	}
	if !hasSuccess {
		errs = append(errs, VError{Path: prefix + ".states", Code: "MISSING_TERMINAL", Message: "a terminal success state is required"})
	}
	if !hasFailure {
		errs = append(errs, VError{Path: prefix + ".states", Code: "MISSING_TERMINAL", Message: "a terminal failure state is required"})
	}

	// Transition endpoints must be declared states; actions need roles.
	outgoing := make(map[string]int, len(stateIDs))
	seen := make(map[string]bool, len(def.Transitions))
	for i, t := range def.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if _, ok := stateIDs[t.From]; !ok {
			errs = append(errs, VError{Path: tp + ".from", Code: "UNDECLARED", Message: fmt.Sprintf("from state %q is not declared", t.From)})
		}
		if _, ok := stateIDs[t.To]; !ok {
			errs = append(errs, VError{Path: tp + ".to", Code: "UNDECLARED", Message: fmt.Sprintf("to state %q is not declared", t.To)})
		}
		if t.Action == "" {
			errs = append(errs, VError{Path: tp + ".action", Code: "REQUIRED", Message: "action is required"})
		}
		if len(t.AllowedRoles) == 0 && !t.CreatorAllowed {
			errs = append(errs, VError{Path: tp + ".allowed_roles", Code: "REQUIRED", Message: "at least one allowed role (or creator_allowed) is required"})
		}
		key := t.From + "/" + t.Action
		if seen[key] {
			errs = append(errs, VError{Path: tp, Code: "DUPLICATE", Message: fmt.Sprintf("transition %q declared twice", key)})
		}
		seen[key] = true
		if st, ok := stateIDs[t.From]; ok && st.Terminal && !t.Side {
			errs = append(errs, VError{Path: tp, Code: "INVALID", Message: fmt.Sprintf("main-flow transition from terminal state %q", t.From)})
		}
		if !t.Side {
			outgoing[t.From]++
		}
	}

	// Every non-terminal state needs at least one outgoing main-flow
	// transition, otherwise instances can strand there.
	for _, s := range def.States {
		if s.Terminal {
			continue
		}
		if outgoing[s.ID] == 0 {
			errs = append(errs, VError{
				Path:    prefix + ".states",
				Code:    "DEAD_STATE",
				Message: fmt.Sprintf("non-terminal state %q has no outgoing transition", s.ID),
			})
		}
	}

	return errs
}
