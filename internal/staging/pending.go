package staging

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loreline/internal/domain"
)

// PendingRequest is a region waiting on the DM to approve its staging.
type PendingRequest struct {
	ID         string
	WorldID    string
	RegionID   string
	LocationID string
	WaitingPcs []string
	RuleBased  []domain.StagedNpc
	LLMBased   []domain.StagedNpc
	GameTime   time.Time
	CreatedAt  time.Time
	Deadline   time.Time
}

// PendingSet tracks open approval requests, at most one per region.
type PendingSet struct {
	mu       sync.Mutex
	byID     map[string]*PendingRequest
	byRegion map[string]string
}

func NewPendingSet() *PendingSet {
	return &PendingSet{byID: map[string]*PendingRequest{}, byRegion: map[string]string{}}
}

// Open registers pcID as waiting on the region. When a request is already open
// the PC joins it and created is false.
func (p *PendingSet) Open(worldID, regionID, pcID string, now time.Time, timeout time.Duration, build func() PendingRequest) (PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.byRegion[regionID]; ok {
		req := p.byID[id]
		if !contains(req.WaitingPcs, pcID) {
			req.WaitingPcs = append(req.WaitingPcs, pcID)
		}
		return clone(req), false
	}
	req := build()
	req.ID = uuid.NewString()
	req.WorldID = worldID
	req.RegionID = regionID
	req.WaitingPcs = []string{pcID}
	req.CreatedAt = now
	req.Deadline = now.Add(timeout)
	p.byID[req.ID] = &req
	p.byRegion[regionID] = req.ID
	return clone(&req), true
}

// Take removes a request by id.
func (p *PendingSet) Take(id string) (PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.byID[id]
	if !ok {
		return PendingRequest{}, false
	}
	p.remove(req)
	return *req, true
}

// TakeRegion removes the open request for a region, if any.
func (p *PendingSet) TakeRegion(regionID string) (PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byRegion[regionID]
	if !ok {
		return PendingRequest{}, false
	}
	req := p.byID[id]
	p.remove(req)
	return *req, true
}

// Get returns a copy of an open request.
func (p *PendingSet) Get(id string) (PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.byID[id]
	if !ok {
		return PendingRequest{}, false
	}
	return clone(req), true
}

// SetLLMBased attaches model suggestions to an open request.
func (p *PendingSet) SetLLMBased(id string, npcs []domain.StagedNpc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.byID[id]
	if !ok {
		return false
	}
	req.LLMBased = npcs
	return true
}

// DropPC removes a PC from every request it waits on, e.g. after it leaves.
func (p *PendingSet) DropPC(pcID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, req := range p.byID {
		out := req.WaitingPcs[:0]
		for _, id := range req.WaitingPcs {
			if id != pcID {
				out = append(out, id)
			}
		}
		req.WaitingPcs = out
	}
}

// DropWorld closes every request of a world and returns how many were open.
func (p *PendingSet) DropWorld(worldID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var drop []*PendingRequest
	for _, req := range p.byID {
		if req.WorldID == worldID {
			drop = append(drop, req)
		}
	}
	for _, req := range drop {
		p.remove(req)
	}
	return len(drop)
}

// Expired removes and returns requests whose deadline is not after now.
func (p *PendingSet) Expired(now time.Time) []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PendingRequest
	for _, req := range p.byID {
		if !req.Deadline.After(now) {
			out = append(out, *req)
		}
	}
	for i := range out {
		p.remove(p.byID[out[i].ID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

func (p *PendingSet) remove(req *PendingRequest) {
	delete(p.byID, req.ID)
	if p.byRegion[req.RegionID] == req.ID {
		delete(p.byRegion, req.RegionID)
	}
}

func clone(req *PendingRequest) PendingRequest {
	out := *req
	out.WaitingPcs = append([]string(nil), req.WaitingPcs...)
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
