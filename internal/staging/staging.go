// Package staging decides which NPCs are present in a region and keeps the
// DM-approved result until it expires in game time.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loreline/internal/domain"
	"loreline/internal/engine"
	"loreline/internal/llm"
	"loreline/internal/repo"
)

const SystemApprover = "system"

var (
	ErrUnknownNPC  = errors.New("unknown npc")
	ErrInvalidTTL  = errors.New("ttl_hours must be positive")
	ErrWrongSource = errors.New("invalid staging source")
)

type Service struct {
	Repo            repo.Repo
	Engine          engine.Engine
	Reasoner        llm.Reasoner
	DefaultTTLHours int
	// Seed makes the rule pass reproducible; the roll also mixes in region and game hour.
	Seed   int64
	Logger *log.Logger

	mu      sync.Mutex
	regions map[string]*sync.Mutex
}

// lockRegion serialises staging decisions for one region so concurrent
// arrivals observe a single entry.
func (s *Service) lockRegion(regionID string) func() {
	s.mu.Lock()
	if s.regions == nil {
		s.regions = map[string]*sync.Mutex{}
	}
	m, ok := s.regions[regionID]
	if !ok {
		m = &sync.Mutex{}
		s.regions[regionID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Service) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf("staging: "+format, args...)
		return
	}
	log.Printf("staging: "+format, args...)
}

func (s *Service) ttl(hours int) int {
	if hours > 0 {
		return hours
	}
	if s.DefaultTTLHours > 0 {
		return s.DefaultTTLHours
	}
	return 3
}

// Active returns the region's active entry when it has not expired at gameNow.
func (s *Service) Active(ctx context.Context, regionID string, gameNow time.Time) (domain.StagingEntry, bool, error) {
	entry, err := s.Repo.ActiveStaging(ctx, regionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StagingEntry{}, false, nil
	}
	if err != nil {
		return domain.StagingEntry{}, false, err
	}
	if entry.IsExpired(gameNow) {
		return entry, false, nil
	}
	return entry, true, nil
}

// ResolveForRegion returns the active entry unchanged or, when there is none
// or it has expired, persists a rule-based entry approved by the system.
func (s *Service) ResolveForRegion(ctx context.Context, regionID string, gameNow time.Time) (domain.StagingEntry, error) {
	defer s.lockRegion(regionID)()
	entry, ok, err := s.Active(ctx, regionID, gameNow)
	if err != nil {
		return domain.StagingEntry{}, err
	}
	if ok {
		return entry, nil
	}
	rules, err := s.RuleSuggestions(ctx, regionID, gameNow)
	if err != nil {
		return domain.StagingEntry{}, err
	}
	return s.persist(ctx, regionID, rules, persistOpts{
		ttl: s.ttl(0), approvedBy: SystemApprover, source: domain.SourceRuleBased, gameNow: gameNow,
	})
}

// RuleSuggestions runs the seeded rule pass. It never writes.
func (s *Service) RuleSuggestions(ctx context.Context, regionID string, gameNow time.Time) ([]domain.StagedNpc, error) {
	links, err := s.Repo.RegionAffinities(ctx, regionID)
	if err != nil {
		return nil, err
	}
	var previous []domain.StagedNpc
	if prev, err := s.Repo.ActiveStaging(ctx, regionID); err == nil {
		previous = prev.Npcs
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cands := ruleCandidates(links, previous, TimeOfDayAt(gameNow))
	return rollPresence(cands, rollSeed(s.Seed, regionID, gameNow)), nil
}

// SuggestRequest asks for staging suggestions without touching persisted state.
type SuggestRequest struct {
	RegionID string
	GameTime time.Time
	Guidance string
	Recent   []string
	WithLLM  bool
}

type Suggestions struct {
	RegionID   string             `json:"region_id"`
	LocationID string             `json:"location_id"`
	RuleBased  []domain.StagedNpc `json:"rule_based"`
	LLMBased   []domain.StagedNpc `json:"llm_based"`
	Previous   []domain.StagedNpc `json:"previous,omitempty"`
}

// Suggest computes rule-based and, when requested, model-based suggestions.
// Model failures are logged and yield an empty model set.
func (s *Service) Suggest(ctx context.Context, req SuggestRequest) (Suggestions, error) {
	region, err := s.Repo.GetRegion(ctx, req.RegionID)
	if err != nil {
		return Suggestions{}, err
	}
	rules, err := s.RuleSuggestions(ctx, req.RegionID, req.GameTime)
	if err != nil {
		return Suggestions{}, err
	}
	out := Suggestions{RegionID: region.ID, LocationID: region.LocationID, RuleBased: rules}
	if prev, err := s.Repo.ActiveStaging(ctx, req.RegionID); err == nil {
		out.Previous = prev.Npcs
	}
	if req.WithLLM {
		out.LLMBased, err = s.llmSuggestions(ctx, region, rules, req)
		if err != nil {
			s.logf("model suggestions for %s failed: %v", region.ID, err)
			out.LLMBased = nil
		}
	}
	return out, nil
}

// Regenerate returns fresh model-based suggestions for a region. The active
// entry is left as is until a separate Approve.
func (s *Service) Regenerate(ctx context.Context, req SuggestRequest) ([]domain.StagedNpc, error) {
	req.WithLLM = true
	sug, err := s.Suggest(ctx, req)
	if err != nil {
		return nil, err
	}
	return sug.LLMBased, nil
}

func (s *Service) llmSuggestions(ctx context.Context, region domain.Region, rules []domain.StagedNpc, req SuggestRequest) ([]domain.StagedNpc, error) {
	if s.Reasoner == nil {
		return nil, llm.ErrUnavailable
	}
	if len(rules) == 0 {
		return nil, nil
	}
	pc := PromptContext{RegionName: region.Name, GameTime: req.GameTime, Candidates: rules, Recent: req.Recent, Guidance: req.Guidance}
	if loc, err := s.Repo.GetLocation(ctx, region.LocationID); err == nil {
		pc.LocationName = loc.Name
	}
	reply, err := s.Reasoner.Complete(ctx, llm.Request{Purpose: llm.PurposeStaging, System: systemPrompt, Prompt: buildPrompt(pc)})
	if err != nil {
		return nil, err
	}
	return parseSuggestions(reply, rules), nil
}

// ApproveRequest is a DM's chosen staging for a region.
type ApproveRequest struct {
	RegionID   string
	Npcs       []domain.StagedNpc
	TTLHours   int
	Guidance   string
	Source     domain.StagingSource
	ApprovedBy string
	GameTime   time.Time
}

// Approve persists a new active entry, superseding the previous one.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (domain.StagingEntry, error) {
	if req.TTLHours < 0 {
		return domain.StagingEntry{}, ErrInvalidTTL
	}
	source := req.Source
	if source == "" {
		source = domain.SourceDMCustomized
	}
	switch source {
	case domain.SourceRuleBased, domain.SourceLLMBased, domain.SourceDMCustomized, domain.SourcePreStaged:
	default:
		return domain.StagingEntry{}, fmt.Errorf("%w: %s", ErrWrongSource, source)
	}
	defer s.lockRegion(req.RegionID)()
	return s.persist(ctx, req.RegionID, req.Npcs, persistOpts{
		ttl: s.ttl(req.TTLHours), approvedBy: req.ApprovedBy, source: source, guidance: req.Guidance, gameNow: req.GameTime, resolveNames: true,
	})
}

// PreStage stages a region ahead of any arrival.
func (s *Service) PreStage(ctx context.Context, req ApproveRequest) (domain.StagingEntry, error) {
	req.Source = domain.SourcePreStaged
	return s.Approve(ctx, req)
}

type persistOpts struct {
	ttl          int
	approvedBy   string
	source       domain.StagingSource
	guidance     string
	gameNow      time.Time
	resolveNames bool
}

func (s *Service) persist(ctx context.Context, regionID string, npcs []domain.StagedNpc, o persistOpts) (domain.StagingEntry, error) {
	region, err := s.Repo.GetRegion(ctx, regionID)
	if err != nil {
		return domain.StagingEntry{}, err
	}
	if o.resolveNames {
		npcs, err = s.resolveNames(ctx, region.WorldID, npcs)
		if err != nil {
			return domain.StagingEntry{}, err
		}
	}
	if npcs == nil {
		npcs = []domain.StagedNpc{}
	}
	approver := strings.TrimSpace(o.approvedBy)
	if approver == "" {
		approver = SystemApprover
	}
	entry := domain.StagingEntry{
		ID:         uuid.NewString(),
		WorldID:    region.WorldID,
		RegionID:   region.ID,
		LocationID: region.LocationID,
		Npcs:       npcs,
		ApprovedAt: o.gameNow.UTC(),
		TTLHours:   o.ttl,
		ApprovedBy: approver,
		Source:     o.source,
		Guidance:   o.guidance,
		IsActive:   true,
	}
	if err := s.Engine.SaveStaging(ctx, entry); err != nil {
		return domain.StagingEntry{}, err
	}
	return s.Repo.ActiveStaging(ctx, region.ID)
}

func (s *Service) resolveNames(ctx context.Context, worldID string, npcs []domain.StagedNpc) ([]domain.StagedNpc, error) {
	known, err := s.Repo.ListNPCs(ctx, worldID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(known))
	for _, n := range known {
		names[n.ID] = n.Name
	}
	out := make([]domain.StagedNpc, 0, len(npcs))
	seen := map[string]bool{}
	for _, n := range npcs {
		name, ok := names[n.CharacterID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNPC, n.CharacterID)
		}
		if seen[n.CharacterID] {
			continue
		}
		seen[n.CharacterID] = true
		n.Name = name
		if n.Reasoning == "" && n.IsPresent {
			n.Reasoning = "Placed by the DM"
		}
		out = append(out, n)
	}
	return out, nil
}
