package narrative

import (
	"strings"

	"loreline/internal/domain"
)

// Facts is the world state a trigger set is evaluated against, seen from one PC.
type Facts struct {
	PcID       string
	LocationID string
	Flags      map[string]bool
	Inventory  map[string]int
	// CompletedEvents maps event id to its last outcome name.
	CompletedEvents  map[string]string
	ChallengeResults map[string]bool
	Turns            int
	Dialogue         string
}

// Matches reports whether one trigger holds. Custom triggers never hold on
// their own; the DM fires those events by hand.
func Matches(t domain.Trigger, f Facts) bool {
	switch t.Kind {
	case domain.TriggerFlagSet:
		return f.Flags[t.Flag]
	case domain.TriggerFlagNotSet:
		return !f.Flags[t.Flag]
	case domain.TriggerEntersLocation:
		return f.LocationID != "" && f.LocationID == t.LocationID
	case domain.TriggerHasItem:
		return f.Inventory[t.ItemID] >= max(t.Quantity, 1)
	case domain.TriggerMissingItem:
		return f.Inventory[t.ItemID] == 0
	case domain.TriggerEventCompleted:
		outcome, ok := f.CompletedEvents[t.EventID]
		return ok && (t.OutcomeName == "" || outcome == t.OutcomeName)
	case domain.TriggerTurnCount:
		return f.Turns >= t.Turns
	case domain.TriggerChallengeCompleted:
		success, ok := f.ChallengeResults[t.ChallengeID]
		return ok && (t.RequiresSuccess == nil || *t.RequiresSuccess == success)
	case domain.TriggerDialogueTopic:
		text := strings.ToLower(f.Dialogue)
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Evaluation is the result of checking an event's triggers.
type Evaluation struct {
	Fired   bool
	Matched []string
	Total   int
}

// Evaluate combines an event's triggers with its logic. Required triggers must
// match whatever the logic; an event without triggers never fires.
func Evaluate(e domain.NarrativeEvent, f Facts) Evaluation {
	ev := Evaluation{Total: len(e.Triggers)}
	if len(e.Triggers) == 0 {
		return ev
	}
	requiredOK := true
	for _, t := range e.Triggers {
		if Matches(t, f) {
			ev.Matched = append(ev.Matched, t.ID)
		} else if t.Required {
			requiredOK = false
		}
	}
	if !requiredOK {
		return ev
	}
	n := len(ev.Matched)
	switch e.Logic.Mode {
	case domain.LogicAny:
		ev.Fired = n > 0
	case domain.LogicAtLeast:
		ev.Fired = n >= max(e.Logic.N, 1)
	default:
		ev.Fired = n == len(e.Triggers)
	}
	return ev
}
