package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loreline/internal/domain"
	"loreline/internal/engine/auth"
	"loreline/internal/fault"
	"loreline/internal/protocol"
	"loreline/internal/repo"
	"loreline/internal/session"
	"loreline/internal/worldstate"
)

const defaultRequestLimit = 20

type method struct {
	// action is checked on top of request.crud.
	action auth.Action
	call   func(a *App, ctx context.Context, c session.Conn, params json.RawMessage) (any, error)
}

// methods are the read-only calls served through Request/Response.
var methods = map[string]method{
	"world.get":       {"", (*App).getWorld},
	"world.users":     {"", (*App).worldUsers},
	"pc.list":         {"", (*App).listPCs},
	"pc.get":          {"", (*App).getPC},
	"pc.inventory":    {"", (*App).inventory},
	"region.get":      {"", (*App).getRegion},
	"staging.active":  {"", (*App).activeStaging},
	"staging.history": {auth.ActionStagingApprove, (*App).stagingHistory},
	"approvals.list":  {auth.ActionApprove, (*App).listApprovals},
	"events.latest":   {auth.ActionApprove, (*App).latestEvents},
	"queue.status":    {auth.ActionQueueStatus, (*App).queueStatus},
}

// request answers a Request with a Response carrying either data or the
// mapped error. Only a frame that cannot be decoded fails the message itself.
func (a *App) request(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.RequestMsg](raw)
	if err != nil {
		return err
	}
	data, err := a.call(ctx, c, m.Payload)
	a.reply(c.ID, response(m.ID, data, err))
	return nil
}

func (a *App) call(ctx context.Context, c session.Conn, p protocol.RequestPayload) (any, error) {
	if err := a.Policy.Authorize(c.Role, auth.ActionRequest); err != nil {
		return nil, err
	}
	m, ok := methods[p.Method]
	if !ok {
		return nil, fault.New(protocol.CodeNotFound, fmt.Sprintf("unknown method %s", p.Method))
	}
	if m.action != "" {
		if err := a.Policy.Authorize(c.Role, m.action); err != nil {
			return nil, err
		}
	}
	return m.call(a, ctx, c, p.Params)
}

func response(id string, data any, err error) protocol.Envelope {
	res := protocol.ResponseResult{OK: err == nil}
	if err == nil && data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			err = merr
		} else {
			res.Data = raw
		}
	}
	if err != nil {
		res.OK = false
		res.Error = fault.Body(err)
	}
	return protocol.New(protocol.TypeResponse, protocol.ResponseMsg{ID: id, Result: res})
}

func params[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &protocol.ValidationError{Reason: "invalid params: " + err.Error()}
	}
	return p, nil
}

type pcParams struct {
	PcID string `json:"pc_id"`
}

type regionParams struct {
	RegionID string `json:"region_id"`
	Limit    int    `json:"limit,omitempty"`
}

type limitParams struct {
	Limit int `json:"limit,omitempty"`
}

type worldView struct {
	domain.World
	Running     bool                      `json:"running"`
	Turns       int                       `json:"turns"`
	SceneID     string                    `json:"scene_id,omitempty"`
	Directorial protocol.DirectorialNotes `json:"directorial,omitempty"`
}

func (a *App) getWorld(ctx context.Context, c session.Conn, _ json.RawMessage) (any, error) {
	w, err := a.Repo.GetWorld(ctx, c.WorldID)
	if err != nil {
		return nil, err
	}
	view := worldView{World: w}
	if st, ok := a.States.Get(c.WorldID); ok {
		view.Running = true
		view.GameTime = st.GameTime().UTC().Format(time.RFC3339)
		view.Turns = st.Turns()
		view.SceneID = st.CurrentScene()
		if c.Role == domain.RoleDM {
			view.Directorial = st.Directorial()
		}
	}
	return view, nil
}

func (a *App) worldUsers(ctx context.Context, c session.Conn, _ json.RawMessage) (any, error) {
	return a.Registry.Users(c.WorldID), nil
}

func (a *App) listPCs(ctx context.Context, c session.Conn, _ json.RawMessage) (any, error) {
	return a.Repo.ListPCs(ctx, c.WorldID)
}

func (a *App) getPC(ctx context.Context, c session.Conn, raw json.RawMessage) (any, error) {
	p, err := params[pcParams](raw)
	if err != nil {
		return nil, err
	}
	return a.actingPC(ctx, c, p.PcID)
}

func (a *App) inventory(ctx context.Context, c session.Conn, raw json.RawMessage) (any, error) {
	p, err := params[pcParams](raw)
	if err != nil {
		return nil, err
	}
	pc, err := a.actingPC(ctx, c, p.PcID)
	if err != nil {
		return nil, err
	}
	return a.Repo.Inventory(ctx, pc.ID)
}

type regionView struct {
	domain.Region
	Exits []domain.RegionConnection `json:"exits"`
}

func (a *App) getRegion(ctx context.Context, c session.Conn, raw json.RawMessage) (any, error) {
	p, err := params[regionParams](raw)
	if err != nil {
		return nil, err
	}
	rg, err := resolveRegion(ctx, a.Repo, c.WorldID, p.RegionID)
	if err != nil {
		return nil, err
	}
	exits, err := a.Repo.Exits(ctx, rg.ID)
	if err != nil {
		return nil, err
	}
	return regionView{Region: rg, Exits: exits}, nil
}

// activeStaging returns the unexpired entry for a region. Players never see
// hidden NPCs.
func (a *App) activeStaging(ctx context.Context, c session.Conn, raw json.RawMessage) (any, error) {
	p, err := params[regionParams](raw)
	if err != nil {
		return nil, err
	}
	if _, err := resolveRegion(ctx, a.Repo, c.WorldID, p.RegionID); err != nil {
		return nil, err
	}
	st, err := a.state(c.WorldID)
	if err != nil {
		return nil, err
	}
	entry, ok, err := a.Staging.Active(ctx, p.RegionID, st.GameTime())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("active staging for %s: %w", p.RegionID, repo.ErrNotFound)
	}
	if c.Role != domain.RoleDM {
		visible := entry.Npcs[:0:0]
		for _, n := range entry.Npcs {
			if !n.IsHiddenFromPlayers {
				visible = append(visible, n)
			}
		}
		entry.Npcs = visible
	}
	return entry, nil
}

func (a *App) stagingHistory(ctx context.Context, c session.Conn, raw json.RawMessage) (any, error) {
	p, err := params[regionParams](raw)
	if err != nil {
		return nil, err
	}
	if _, err := resolveRegion(ctx, a.Repo, c.WorldID, p.RegionID); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultRequestLimit
	}
	return a.Repo.StagingHistory(ctx, p.RegionID, limit)
}

func (a *App) listApprovals(ctx context.Context, c session.Conn, _ json.RawMessage) (any, error) {
	st, err := a.state(c.WorldID)
	if err != nil {
		return nil, err
	}
	list := st.Approvals()
	if list == nil {
		list = []worldstate.PendingApproval{}
	}
	return list, nil
}

func (a *App) latestEvents(ctx context.Context, c session.Conn, raw json.RawMessage) (any, error) {
	p, err := params[limitParams](raw)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultRequestLimit
	}
	return a.Repo.LatestEvents(ctx, limit, repo.EventFilter{WorldID: c.WorldID})
}

func (a *App) queueStatus(ctx context.Context, c session.Conn, _ json.RawMessage) (any, error) {
	return a.QueueStatus(ctx, c.WorldID)
}
