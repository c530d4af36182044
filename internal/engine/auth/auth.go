package auth

import (
	"fmt"
	"sort"

	"loreline/internal/domain"
)

type Action string

const (
	ActionPlayerAction      Action = "player.action"
	ActionMove              Action = "player.move"
	ActionRoll              Action = "challenge.roll"
	ActionApprove           Action = "approval.decide"
	ActionStagingApprove    Action = "staging.approve"
	ActionStagingRegenerate Action = "staging.regenerate"
	ActionPreStage          Action = "staging.prestage"
	ActionTriggerChallenge  Action = "challenge.trigger"
	ActionTriggerEvent      Action = "narrative.trigger"
	ActionDirect            Action = "directorial.update"
	ActionAdvanceTime       Action = "time.advance"
	ActionGenerateAsset     Action = "asset.generate"
	ActionQueueStatus       Action = "queue.status"
	ActionRequest           Action = "request.crud"
)

// ForbiddenError indicates the role may not perform the action.
type ForbiddenError struct {
	Action Action
	Role   domain.Role
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("action %s requires a joined world", e.Action)
	}
	return fmt.Sprintf("role %s may not perform %s", e.Role, e.Action)
}

// Policy maps each role to the actions it may perform.
type Policy map[domain.Role]map[Action]bool

// DefaultPolicy lets players act, move and roll; the DM may do everything;
// spectators only watch.
func DefaultPolicy() Policy {
	player := []Action{ActionPlayerAction, ActionMove, ActionRoll, ActionRequest}
	dm := []Action{
		ActionPlayerAction, ActionMove, ActionRoll, ActionApprove, ActionStagingApprove,
		ActionStagingRegenerate, ActionPreStage, ActionTriggerChallenge, ActionTriggerEvent,
		ActionDirect, ActionAdvanceTime, ActionGenerateAsset, ActionQueueStatus, ActionRequest,
	}
	p := Policy{}
	p.Grant(domain.RolePlayer, player...)
	p.Grant(domain.RoleDM, dm...)
	p[domain.RoleSpectator] = map[Action]bool{}
	return p
}

// WithOverrides adds grants from config, keyed by role name.
func (p Policy) WithOverrides(grants map[string][]string) (Policy, error) {
	for roleName, actions := range grants {
		role := domain.Role(roleName)
		if !role.Valid() {
			return nil, fmt.Errorf("unknown role %q in permissions", roleName)
		}
		for _, a := range actions {
			if a == "" {
				return nil, fmt.Errorf("role %s has empty action", roleName)
			}
			p.Grant(role, Action(a))
		}
	}
	return p, nil
}

func (p Policy) Grant(role domain.Role, actions ...Action) {
	set, ok := p[role]
	if !ok {
		set = map[Action]bool{}
		p[role] = set
	}
	for _, a := range actions {
		set[a] = true
	}
}

func (p Policy) Authorize(role domain.Role, action Action) error {
	if p[role][action] {
		return nil
	}
	return ForbiddenError{Action: action, Role: role}
}

// Actions lists a role's grants in sorted order.
func (p Policy) Actions(role domain.Role) []string {
	var out []string
	for a, ok := range p[role] {
		if ok {
			out = append(out, string(a))
		}
	}
	sort.Strings(out)
	return out
}
