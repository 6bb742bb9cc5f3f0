package model

import "fmt"

type Action string

const (
	ActionPlan    Action = "plan"
	ActionApply   Action = "apply"
	ActionDestroy Action = "destroy"
	// ActionUnknown is only ever reported, never executed.
	ActionUnknown Action = "unknown"
)

var executableActions = map[Action]bool{
	ActionPlan:    true,
	ActionApply:   true,
	ActionDestroy: true,
}

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !executableActions[a] {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// Mutating reports whether the action changes infrastructure.
func (a Action) Mutating() bool {
	return a == ActionApply || a == ActionDestroy
}
