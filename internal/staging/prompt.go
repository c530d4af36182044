package staging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"loreline/internal/domain"
)

const maxLLMSuggestions = 4

const systemPrompt = `You help a game master decide which NPCs are present in a region of a tabletop world.
Weigh work shifts, homes, habits and avoidances against the time of day and recent events.
Choose between 1 and 4 NPCs from the provided list. Use their exact names.
Answer with a JSON array only, in the form:
[{"name": "NPC Name", "reason": "short explanation"}]`

// PromptContext is everything the reasoning collaborator sees for one region.
type PromptContext struct {
	RegionName   string
	LocationName string
	GameTime     time.Time
	Candidates   []domain.StagedNpc
	Recent       []string
	Guidance     string
}

func buildPrompt(pc PromptContext) string {
	tod := TimeOfDayAt(pc.GameTime)
	var b strings.Builder
	fmt.Fprintf(&b, "Region: %s", pc.RegionName)
	if pc.LocationName != "" {
		fmt.Fprintf(&b, " (%s)", pc.LocationName)
	}
	fmt.Fprintf(&b, "\nTime of day: %s (%s)\n\nNPCs connected to this region:\n", tod, tod.span())
	for _, c := range pc.Candidates {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Reasoning)
	}
	if len(pc.Recent) > 0 {
		b.WriteString("\nRecent events:\n")
		for _, line := range pc.Recent {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	if g := strings.TrimSpace(pc.Guidance); g != "" {
		fmt.Fprintf(&b, "\nGame master guidance: %s\n", g)
	}
	b.WriteString("\nWho is here right now? Respond with the JSON array.")
	return b.String()
}

type llmSuggestion struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// parseSuggestions maps the model's answer onto known candidates. Unknown
// names are ignored and an unparseable answer yields no suggestions.
func parseSuggestions(reply string, candidates []domain.StagedNpc) []domain.StagedNpc {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil
	}
	var parsed []llmSuggestion
	if err := json.Unmarshal([]byte(reply[start:end+1]), &parsed); err != nil {
		return nil
	}
	byName := make(map[string]domain.StagedNpc, len(candidates))
	for _, c := range candidates {
		byName[strings.ToLower(strings.TrimSpace(c.Name))] = c
	}
	seen := map[string]bool{}
	var out []domain.StagedNpc
	for _, s := range parsed {
		c, ok := byName[strings.ToLower(strings.TrimSpace(s.Name))]
		if !ok || seen[c.CharacterID] {
			continue
		}
		seen[c.CharacterID] = true
		reason := strings.TrimSpace(s.Reason)
		if reason == "" {
			reason = c.Reasoning
		}
		out = append(out, domain.StagedNpc{CharacterID: c.CharacterID, Name: c.Name, IsPresent: true, Reasoning: reason})
		if len(out) == maxLLMSuggestions {
			break
		}
	}
	return out
}
