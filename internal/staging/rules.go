package staging

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"loreline/internal/domain"
)

type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
	Night     TimeOfDay = "night"
)

// TimeOfDayAt buckets a game time: morning 6-12, afternoon 12-18,
// evening 18-22, night 22-6.
func TimeOfDayAt(t time.Time) TimeOfDay {
	h := t.Hour()
	switch {
	case h >= 6 && h < 12:
		return Morning
	case h >= 12 && h < 18:
		return Afternoon
	case h >= 18 && h < 22:
		return Evening
	default:
		return Night
	}
}

func (t TimeOfDay) span() string {
	switch t {
	case Morning:
		return "6 AM - 12 PM"
	case Afternoon:
		return "12 PM - 6 PM"
	case Evening:
		return "6 PM - 10 PM"
	}
	return "10 PM - 6 AM"
}

var frequencyOdds = map[string]float64{
	"always":    1.0,
	"often":     0.7,
	"sometimes": 0.4,
	"rarely":    0.15,
}

// presenceOdds is the chance an NPC with this affinity is in the region at tod.
func presenceOdds(l domain.NpcRegionLink, tod TimeOfDay) float64 {
	switch l.Kind {
	case domain.AffinityHome:
		if tod == Night || tod == Evening {
			return 0.8
		}
		return 0.5
	case domain.AffinityWorksAt:
		if onShift(l.Shift, tod) {
			return 0.9
		}
		return 0
	case domain.AffinityFrequents:
		if l.TimeOfDay != "" && l.TimeOfDay != "any" && TimeOfDay(l.TimeOfDay) != tod {
			return 0
		}
		freq := l.Frequency
		if freq == "" {
			freq = "sometimes"
		}
		return frequencyOdds[freq]
	}
	return 0
}

func onShift(shift string, tod TimeOfDay) bool {
	switch shift {
	case "day":
		return tod == Morning || tod == Afternoon
	case "night":
		return tod == Evening || tod == Night
	}
	return true
}

// affinityReason describes why an NPC might be here.
func affinityReason(l domain.NpcRegionLink) string {
	switch l.Kind {
	case domain.AffinityHome:
		return "Lives here"
	case domain.AffinityWorksAt:
		switch l.Shift {
		case "day":
			return "Works here (day shift)"
		case "night":
			return "Works here (night shift)"
		}
		return "Works here"
	case domain.AffinityFrequents:
		freq := l.Frequency
		if freq == "" {
			freq = "sometimes"
		}
		if l.TimeOfDay != "" && l.TimeOfDay != "any" {
			return fmt.Sprintf("Frequents this area %s (%s)", freq, l.TimeOfDay)
		}
		return fmt.Sprintf("Frequents this area (%s)", freq)
	}
	return "Avoids this area"
}

const previousOdds = 0.5

// rollSeed derives a reproducible seed from the region and the game hour.
func rollSeed(base int64, regionID string, gameTime time.Time) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(regionID))
	_, _ = h.Write([]byte(gameTime.UTC().Truncate(time.Hour).Format(time.RFC3339)))
	return base ^ int64(h.Sum64())
}

// candidate is an NPC the rule pass considers for a region.
type candidate struct {
	id     string
	name   string
	odds   float64
	reason string
}

// ruleCandidates merges region affinities with NPCs present in the previous
// entry. Avoiding NPCs are excluded, and an NPC's strongest affinity wins.
func ruleCandidates(links []domain.NpcRegionLink, previous []domain.StagedNpc, tod TimeOfDay) []candidate {
	var out []candidate
	index := map[string]int{}
	avoid := map[string]bool{}
	for _, l := range links {
		if l.Kind == domain.AffinityAvoids {
			avoid[l.NpcID] = true
		}
	}
	for _, l := range links {
		if avoid[l.NpcID] {
			continue
		}
		c := candidate{id: l.NpcID, name: l.NpcName, odds: presenceOdds(l, tod), reason: affinityReason(l)}
		if i, ok := index[l.NpcID]; ok {
			if c.odds > out[i].odds {
				out[i] = c
			}
			continue
		}
		index[l.NpcID] = len(out)
		out = append(out, c)
	}
	for _, p := range previous {
		if !p.IsPresent || avoid[p.CharacterID] {
			continue
		}
		if _, ok := index[p.CharacterID]; ok {
			continue
		}
		index[p.CharacterID] = len(out)
		out = append(out, candidate{id: p.CharacterID, name: p.Name, odds: previousOdds, reason: "Was here earlier"})
	}
	return out
}

// rollPresence applies one seeded presence roll per candidate, in order.
func rollPresence(cands []candidate, seed int64) []domain.StagedNpc {
	rng := rand.New(rand.NewSource(seed))
	out := make([]domain.StagedNpc, 0, len(cands))
	for _, c := range cands {
		roll := rng.Float64()
		out = append(out, domain.StagedNpc{
			CharacterID: c.id,
			Name:        c.name,
			IsPresent:   c.odds > 0 && roll < c.odds,
			Reasoning:   c.reason,
		})
	}
	return out
}
