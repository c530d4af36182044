package app

import (
	"context"
	"fmt"

	"loreline/internal/domain"
	"loreline/internal/repo"
	"loreline/internal/worldstate"
)

// ResolveWorld loads a world and makes sure it has runtime state, seeding the
// state's clock from the persisted game time the first time the world is seen.
func ResolveWorld(ctx context.Context, r repo.Repo, states *worldstate.Manager, worldID string) (domain.World, *worldstate.State, error) {
	w, err := r.GetWorld(ctx, worldID)
	if err != nil {
		return domain.World{}, nil, fmt.Errorf("world %s: %w", worldID, err)
	}
	if st, ok := states.Get(worldID); ok {
		return w, st, nil
	}
	gameTime, err := r.GameTime(ctx, worldID)
	if err != nil {
		return domain.World{}, nil, fmt.Errorf("game time for %s: %w", worldID, err)
	}
	st, _ := states.Ensure(worldID, gameTime)
	return w, st, nil
}

// resolvePC loads a player character and checks it lives in worldID. A PC
// from another world reads as not found.
func resolvePC(ctx context.Context, r repo.Repo, worldID, pcID string) (domain.PlayerCharacter, error) {
	pc, err := r.GetPC(ctx, pcID)
	if err != nil {
		return domain.PlayerCharacter{}, fmt.Errorf("pc %s: %w", pcID, err)
	}
	if pc.WorldID != worldID {
		return domain.PlayerCharacter{}, fmt.Errorf("pc %s: %w", pcID, repo.ErrNotFound)
	}
	return pc, nil
}

// resolveRegion loads a region and checks it lives in worldID.
func resolveRegion(ctx context.Context, r repo.Repo, worldID, regionID string) (domain.Region, error) {
	rg, err := r.GetRegion(ctx, regionID)
	if err != nil {
		return domain.Region{}, fmt.Errorf("region %s: %w", regionID, err)
	}
	if rg.WorldID != worldID {
		return domain.Region{}, fmt.Errorf("region %s: %w", regionID, repo.ErrNotFound)
	}
	return rg, nil
}
