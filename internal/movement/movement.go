// Package movement moves player characters between regions and locations and
// resolves what they see on arrival.
package movement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loreline/internal/domain"
	"loreline/internal/engine"
	"loreline/internal/protocol"
	"loreline/internal/repo"
	"loreline/internal/staging"
)

var (
	ErrNotConnected    = errors.New("regions are not connected")
	ErrWrongWorld      = errors.New("target belongs to another world")
	ErrNoArrivalRegion = errors.New("location has no arrival region")
	ErrRegionElsewhere = errors.New("region is not in the target location")
	ErrNoPosition      = errors.New("player character has no current region")
)

type Kind string

const (
	SceneChanged   Kind = "scene_changed"
	StagingPending Kind = "staging_pending"
	Blocked        Kind = "blocked"
)

// Result is the outcome of a move. Staging is set for SceneChanged and Pending
// for StagingPending; Reason explains a Blocked move.
type Result struct {
	Kind    Kind
	PC      domain.PlayerCharacter
	Region  domain.Region
	Exits   []domain.RegionConnection
	Staging domain.StagingEntry
	Pending staging.PendingRequest
	// PendingCreated is true when this move opened the approval request.
	PendingCreated bool
	Reason         string
}

// Request carries the per-move policy decided by the caller.
type Request struct {
	PcID     string
	ActorID  string
	GameTime time.Time
	// RequireApproval withholds unstaged regions until the DM approves them.
	RequireApproval bool
}

type Service struct {
	Repo           repo.Repo
	Engine         engine.Engine
	Staging        *staging.Service
	Pending        *staging.PendingSet
	RequestTimeout time.Duration
	Now            func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// MoveToRegion moves a PC along a connection from its current region.
func (s *Service) MoveToRegion(ctx context.Context, req Request, targetRegionID string) (Result, error) {
	pc, err := s.Repo.GetPC(ctx, req.PcID)
	if err != nil {
		return Result{}, err
	}
	target, err := s.Repo.GetRegion(ctx, targetRegionID)
	if err != nil {
		return Result{}, err
	}
	if target.WorldID != pc.WorldID {
		return Result{}, ErrWrongWorld
	}
	if pc.RegionID == nil {
		return Result{}, ErrNoPosition
	}
	if *pc.RegionID != target.ID {
		conn, err := s.Repo.Connection(ctx, *pc.RegionID, target.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s -> %s", ErrNotConnected, *pc.RegionID, target.ID)
		}
		if err != nil {
			return Result{}, err
		}
		if conn.IsLocked {
			reason := conn.LockDescription
			if reason == "" {
				reason = "The way is locked."
			}
			return Result{Kind: Blocked, PC: pc, Region: target, Reason: reason}, nil
		}
	}
	return s.arrive(ctx, req, pc, target)
}

// ExitToLocation moves a PC to another location, landing in arrivalRegionID,
// else the location's default region, else its spawn region.
func (s *Service) ExitToLocation(ctx context.Context, req Request, locationID, arrivalRegionID string) (Result, error) {
	pc, err := s.Repo.GetPC(ctx, req.PcID)
	if err != nil {
		return Result{}, err
	}
	loc, err := s.Repo.GetLocation(ctx, locationID)
	if err != nil {
		return Result{}, err
	}
	if loc.WorldID != pc.WorldID {
		return Result{}, ErrWrongWorld
	}
	target, err := s.arrivalRegion(ctx, loc, arrivalRegionID)
	if err != nil {
		return Result{}, err
	}
	return s.arrive(ctx, req, pc, target)
}

func (s *Service) arrivalRegion(ctx context.Context, loc domain.Location, explicit string) (domain.Region, error) {
	candidates := []string{explicit}
	if loc.DefaultRegionID != nil {
		candidates = append(candidates, *loc.DefaultRegionID)
	}
	for _, id := range candidates {
		if id == "" {
			continue
		}
		rg, err := s.Repo.GetRegion(ctx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) && id != explicit {
				continue
			}
			return domain.Region{}, err
		}
		if rg.LocationID != loc.ID {
			return domain.Region{}, fmt.Errorf("%w: %s is not in %s", ErrRegionElsewhere, rg.ID, loc.ID)
		}
		return rg, nil
	}
	rg, err := s.Repo.SpawnRegion(ctx, loc.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Region{}, fmt.Errorf("%w: %s", ErrNoArrivalRegion, loc.ID)
	}
	return rg, err
}

func (s *Service) arrive(ctx context.Context, req Request, pc domain.PlayerCharacter, target domain.Region) (Result, error) {
	if pc.RegionID == nil || *pc.RegionID != target.ID || pc.LocationID != target.LocationID {
		if err := s.Engine.MovePC(ctx, pc, target.LocationID, target.ID, req.ActorID); err != nil {
			return Result{}, err
		}
		pc.LocationID = target.LocationID
		id := target.ID
		pc.RegionID = &id
		if s.Pending != nil {
			s.Pending.DropPC(pc.ID)
		}
	}
	exits, err := s.Repo.Exits(ctx, target.ID)
	if err != nil {
		return Result{}, err
	}
	res := Result{PC: pc, Region: target, Exits: exits}

	entry, ok, err := s.Staging.Active(ctx, target.ID, req.GameTime)
	if err != nil {
		return Result{}, err
	}
	if ok {
		res.Kind = SceneChanged
		res.Staging = entry
		return res, nil
	}
	if req.RequireApproval && s.Pending != nil {
		var buildErr error
		pending, created := s.Pending.Open(pc.WorldID, target.ID, pc.ID, s.now(), s.RequestTimeout, func() staging.PendingRequest {
			sug, err := s.Staging.Suggest(ctx, staging.SuggestRequest{RegionID: target.ID, GameTime: req.GameTime})
			if err != nil {
				buildErr = err
			}
			return staging.PendingRequest{LocationID: target.LocationID, RuleBased: sug.RuleBased, GameTime: req.GameTime}
		})
		if buildErr != nil {
			s.Pending.Take(pending.ID)
			return Result{}, buildErr
		}
		res.Kind = StagingPending
		res.Pending = pending
		res.PendingCreated = created
		return res, nil
	}
	entry, err = s.Staging.ResolveForRegion(ctx, target.ID, req.GameTime)
	if err != nil {
		return Result{}, err
	}
	res.Kind = SceneChanged
	res.Staging = entry
	return res, nil
}

// Describe builds a SceneChanged result for a PC standing in the entry's
// region, used when a pending staging is released.
func (s *Service) Describe(ctx context.Context, pcID string, entry domain.StagingEntry) (Result, error) {
	pc, err := s.Repo.GetPC(ctx, pcID)
	if err != nil {
		return Result{}, err
	}
	region, err := s.Repo.GetRegion(ctx, entry.RegionID)
	if err != nil {
		return Result{}, err
	}
	exits, err := s.Repo.Exits(ctx, region.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: SceneChanged, PC: pc, Region: region, Exits: exits, Staging: entry}, nil
}

// Message renders a SceneChanged result. Hidden NPCs are only listed when
// includeHidden is set, which is the DM's view.
func (r Result) Message(includeHidden bool, sceneID string) protocol.SceneChangedMsg {
	msg := protocol.SceneChangedMsg{
		PcID: r.PC.ID,
		Region: protocol.RegionInfo{
			ID: r.Region.ID, LocationID: r.Region.LocationID, Name: r.Region.Name, Description: r.Region.Description,
		},
		NpcsPresent: []protocol.NpcPresence{},
		Exits:       make([]protocol.ExitInfo, 0, len(r.Exits)),
		StagingID:   r.Staging.ID,
		SceneID:     sceneID,
	}
	for _, n := range r.Staging.VisibleNpcs(includeHidden) {
		msg.NpcsPresent = append(msg.NpcsPresent, protocol.NpcPresence{
			CharacterID: n.CharacterID, Name: n.Name, Reasoning: n.Reasoning, Hidden: n.IsHiddenFromPlayers,
		})
	}
	for _, e := range r.Exits {
		msg.Exits = append(msg.Exits, protocol.ExitInfo{RegionID: e.ToRegionID, Description: e.Description, IsLocked: e.IsLocked})
	}
	return msg
}
