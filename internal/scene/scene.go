// Package scene picks the scene each occupied location should display.
package scene

import (
	"context"
	"fmt"
	"sort"

	"loreline/internal/domain"
	"loreline/internal/repo"
	"loreline/internal/staging"
)

// Facts answers the world-state questions scene conditions ask about a PC.
type Facts interface {
	CompletedScene(ctx context.Context, pcID, sceneID string) (bool, error)
	ItemQuantity(ctx context.Context, pcID, itemID string) (int, error)
	KnowsCharacter(ctx context.Context, pcID, characterID string) (bool, error)
	// Flag reports the PC-scoped value when one exists, else the world-scoped one.
	Flag(ctx context.Context, worldID, pcID, name string) (bool, error)
}

// RepoFacts reads facts from the world store.
type RepoFacts struct {
	Repo repo.Repo
}

func (f RepoFacts) CompletedScene(ctx context.Context, pcID, sceneID string) (bool, error) {
	return f.Repo.HasCompletedScene(ctx, pcID, sceneID)
}

func (f RepoFacts) ItemQuantity(ctx context.Context, pcID, itemID string) (int, error) {
	return f.Repo.ItemQuantity(ctx, nil, pcID, itemID)
}

func (f RepoFacts) KnowsCharacter(ctx context.Context, pcID, characterID string) (bool, error) {
	return f.Repo.KnowsCharacter(ctx, pcID, characterID)
}

func (f RepoFacts) Flag(ctx context.Context, worldID, pcID, name string) (bool, error) {
	v, found, err := f.Repo.Flag(ctx, worldID, pcID, name)
	if err != nil || found {
		return v, err
	}
	v, _, err = f.Repo.Flag(ctx, worldID, "", name)
	return v, err
}

// LocationScene is the scene resolved for one occupied location.
type LocationScene struct {
	LocationID string
	PcIDs      []string
	Scene      domain.Scene
	// Found is false when no scene's conditions hold.
	Found bool
}

// WorldScenes is the per-location resolution for a whole world.
type WorldScenes struct {
	WorldID    string
	SplitParty bool
	Locations  []LocationScene
}

// Scene returns the resolution for a location.
func (w WorldScenes) Scene(locationID string) (LocationScene, bool) {
	for _, l := range w.Locations {
		if l.LocationID == locationID {
			return l, true
		}
	}
	return LocationScene{}, false
}

type Resolver struct {
	Repo  repo.Repo
	Facts Facts
}

func (r Resolver) facts() Facts {
	if r.Facts != nil {
		return r.Facts
	}
	return RepoFacts{Repo: r.Repo}
}

// ResolveWorld groups the world's PCs by location and resolves each group.
// A world with no positioned PCs resolves to no locations.
func (r Resolver) ResolveWorld(ctx context.Context, worldID string) (WorldScenes, error) {
	pcs, err := r.Repo.ListPCs(ctx, worldID)
	if err != nil {
		return WorldScenes{}, err
	}
	groups := map[string][]domain.PlayerCharacter{}
	for _, pc := range pcs {
		if pc.LocationID == "" {
			continue
		}
		groups[pc.LocationID] = append(groups[pc.LocationID], pc)
	}
	locIDs := make([]string, 0, len(groups))
	for id := range groups {
		locIDs = append(locIDs, id)
	}
	sort.Strings(locIDs)

	out := WorldScenes{WorldID: worldID, SplitParty: len(locIDs) > 1}
	if len(locIDs) == 0 {
		return out, nil
	}
	gameNow, err := r.Repo.GameTime(ctx, worldID)
	if err != nil {
		return WorldScenes{}, fmt.Errorf("game time: %w", err)
	}
	tod := staging.TimeOfDayAt(gameNow)
	for _, id := range locIDs {
		scenes, err := r.Repo.ListScenes(ctx, id)
		if err != nil {
			return WorldScenes{}, err
		}
		ls, err := r.ResolveLocation(ctx, id, scenes, groups[id], tod)
		if err != nil {
			return WorldScenes{}, err
		}
		out.Locations = append(out.Locations, ls)
	}
	return out, nil
}

// ResolveLocation selects the first scene, in the order given, that fits the
// time of day and whose every condition holds for at least one of the PCs
// present.
func (r Resolver) ResolveLocation(ctx context.Context, locationID string, scenes []domain.Scene, pcs []domain.PlayerCharacter, tod staging.TimeOfDay) (LocationScene, error) {
	ls := LocationScene{LocationID: locationID}
	for _, pc := range pcs {
		ls.PcIDs = append(ls.PcIDs, pc.ID)
	}
	if len(pcs) == 0 {
		return ls, nil
	}
	for _, sc := range scenes {
		if !TimeMatches(sc.TimeContext, tod) {
			continue
		}
		ok, err := r.sceneHolds(ctx, sc, pcs)
		if err != nil {
			return LocationScene{}, fmt.Errorf("scene %s: %w", sc.ID, err)
		}
		if ok {
			ls.Scene = sc
			ls.Found = true
			break
		}
	}
	return ls, nil
}

// TimeMatches reports whether a scene's time context admits tod.
func TimeMatches(timeContext string, tod staging.TimeOfDay) bool {
	switch staging.TimeOfDay(timeContext) {
	case staging.Morning, staging.Afternoon, staging.Evening, staging.Night:
		return staging.TimeOfDay(timeContext) == tod
	default:
		return true
	}
}

func (r Resolver) sceneHolds(ctx context.Context, sc domain.Scene, pcs []domain.PlayerCharacter) (bool, error) {
	for _, cond := range sc.Conditions {
		held := false
		for _, pc := range pcs {
			ok, err := r.Holds(ctx, cond, pc)
			if err != nil {
				return false, err
			}
			if ok {
				held = true
				break
			}
		}
		if !held {
			return false, nil
		}
	}
	return true, nil
}

// Holds evaluates one entry condition for a PC.
func (r Resolver) Holds(ctx context.Context, cond domain.SceneCondition, pc domain.PlayerCharacter) (bool, error) {
	f := r.facts()
	switch cond.Kind {
	case domain.ConditionCompletedScene:
		return f.CompletedScene(ctx, pc.ID, cond.SceneID)
	case domain.ConditionHasItem:
		n, err := f.ItemQuantity(ctx, pc.ID, cond.ItemID)
		return n > 0, err
	case domain.ConditionKnowsCharacter:
		return f.KnowsCharacter(ctx, pc.ID, cond.CharacterID)
	case domain.ConditionFlagSet:
		return f.Flag(ctx, pc.WorldID, pc.ID, cond.Flag)
	case domain.ConditionCustom:
		// Placeholder until custom conditions get model evaluation.
		return true, nil
	default:
		return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}
