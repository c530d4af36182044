package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"loreline/internal/app"
	"loreline/internal/domain"
	"loreline/internal/fault"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/repo"
	"loreline/internal/transport/ws"
)

// Config for the HTTP handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	// WSPath mounts the live session websocket. Empty disables it.
	WSPath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"world w1: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the inspection API and, when WSPath is
// set, the live session websocket.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Loreline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	a := cfg.App
	registerDocs(router, basePath)
	registerHealth(group, a)
	registerMe(group)
	registerWorlds(group, a)
	registerRegions(group, a)
	registerQueues(group, a)
	registerApprovals(group, a)
	registerEvents(group, a)
	registerOpenAPI(router, api, basePath)

	if cfg.WSPath != "" {
		sock := ws.NewServer(a, cfg.Auth.Logger)
		sock.MaxMessageSize = a.Config.Server.MaxMessageSize
		sock.SendBuffer = a.Config.Server.SendBuffer
		sock.Authenticate = cfg.Auth.WebsocketIdentity
		router.Handle(cfg.WSPath, sock)
	}
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps component errors through the same categories the
// websocket protocol uses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch fault.Code(err) {
	case protocol.CodeNotFound:
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case protocol.CodeUnauthorized:
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case protocol.CodeValidationFailed:
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case protocol.CodeInvalidState, protocol.CodeAlreadyDM, protocol.CodeDMNotConnected:
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireWorld checks the caller may inspect worldID. Unknown worlds and
// worlds outside the token read the same to the caller.
func requireWorld(ctx context.Context, a *app.App, worldID string) (domain.World, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.World{}, authErr
	}
	if !principal.hasRole(RoleOperator, RoleDM) {
		return domain.World{}, newAPIError(http.StatusForbidden, "forbidden", "dm or operator role required", nil)
	}
	if !principal.canSee(worldID) {
		return domain.World{}, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("world %s: not found", worldID), nil)
	}
	return a.Repo.GetWorld(ctx, worldID)
}

func requireOperator(ctx context.Context) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if !principal.hasRole(RoleOperator) {
		return newAPIError(http.StatusForbidden, "forbidden", "operator role required", nil)
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Loreline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;. Mint one with ll token issue.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body := map[string]any{"status": "ok", "worlds_running": len(a.Registry.Worlds())}
		if err := a.Repo.DB.PingContext(ctx); err != nil {
			body["status"] = "degraded"
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: principal.UserID,
			Roles:  nonNilSlice(principal.Roles),
			Worlds: nonNilSlice(principal.Worlds),
			Source: principal.Source,
		}}, nil
	})
}

type worldPath struct {
	WorldID string `path:"world_id"`
}

func worldResponse(a *app.App, w domain.World) WorldResponse {
	res := WorldResponse{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		GameTime:    w.GameTime,
		DMOnline:    a.Registry.HasDM(w.ID),
		Users:       nonNilSlice(a.Registry.Users(w.ID)),
		CreatedAt:   w.CreatedAt,
	}
	if st, ok := a.States.Get(w.ID); ok {
		notes := st.Directorial()
		res.Running = true
		res.GameTime = formatTime(st.GameTime())
		res.Turns = st.Turns()
		res.SceneID = st.CurrentScene()
		res.Directorial = &notes
	}
	return res
}

func registerWorlds(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-worlds",
		Method:      http.MethodGet,
		Path:        "/worlds",
		Summary:     "List worlds visible to the caller",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorldResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		worlds, err := a.Repo.ListWorlds(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := []WorldResponse{}
		for _, w := range worlds {
			if principal.canSee(w.ID) {
				out = append(out, worldResponse(a, w))
			}
		}
		return &struct {
			Body []WorldResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-world",
		Method:      http.MethodGet,
		Path:        "/worlds/{world_id}",
		Summary:     "World with its live session state",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *worldPath) (*struct {
		Body WorldResponse `json:"body"`
	}, error) {
		w, err := requireWorld(ctx, a, input.WorldID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorldResponse `json:"body"`
		}{Body: worldResponse(a, w)}, nil
	})
}

type regionPath struct {
	WorldID  string `path:"world_id"`
	RegionID string `path:"region_id"`
}

func regionInWorld(ctx context.Context, a *app.App, worldID, regionID string) (domain.Region, error) {
	if _, err := requireWorld(ctx, a, worldID); err != nil {
		return domain.Region{}, err
	}
	rg, err := a.Repo.GetRegion(ctx, regionID)
	if err != nil {
		return domain.Region{}, fmt.Errorf("region %s: %w", regionID, err)
	}
	if rg.WorldID != worldID {
		return domain.Region{}, fmt.Errorf("region %s: %w", regionID, repo.ErrNotFound)
	}
	return rg, nil
}

func registerRegions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-region",
		Method:      http.MethodGet,
		Path:        "/worlds/{world_id}/regions/{region_id}",
		Summary:     "Region with its exits",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *regionPath) (*struct {
		Body RegionResponse `json:"body"`
	}, error) {
		rg, err := regionInWorld(ctx, a, input.WorldID, input.RegionID)
		if err != nil {
			return nil, handleError(err)
		}
		exits, err := a.Repo.Exits(ctx, rg.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegionResponse `json:"body"`
		}{Body: RegionResponse{Region: rg, Exits: nonNilSlice(exits)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-active-staging",
		Method:      http.MethodGet,
		Path:        "/worlds/{world_id}/regions/{region_id}/staging",
		Summary:     "Unexpired staging for a region at the world's game time",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *regionPath) (*struct {
		Body domain.StagingEntry `json:"body"`
	}, error) {
		if _, err := regionInWorld(ctx, a, input.WorldID, input.RegionID); err != nil {
			return nil, handleError(err)
		}
		gameNow, err := a.Repo.GameTime(ctx, input.WorldID)
		if err != nil {
			return nil, handleError(err)
		}
		if st, ok := a.States.Get(input.WorldID); ok {
			gameNow = st.GameTime()
		}
		entry, ok, err := a.Staging.Active(ctx, input.RegionID, gameNow)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no active staging for region "+input.RegionID, nil)
		}
		entry.Npcs = nonNilSlice(entry.Npcs)
		return &struct {
			Body domain.StagingEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-staging-history",
		Method:      http.MethodGet,
		Path:        "/worlds/{world_id}/regions/{region_id}/staging/history",
		Summary:     "Staging entries for a region, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorldID  string `path:"world_id"`
		RegionID string `path:"region_id"`
		Limit    int    `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.StagingEntry `json:"body"`
	}, error) {
		if _, err := regionInWorld(ctx, a, input.WorldID, input.RegionID); err != nil {
			return nil, handleError(err)
		}
		items, err := a.Repo.StagingHistory(ctx, input.RegionID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StagingEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerQueues(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/worlds/{world_id}/queues",
		Summary:     "Queue depths and pending approvals",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *worldPath) (*struct {
		Body protocol.QueueStatusMsg `json:"body"`
	}, error) {
		if _, err := requireWorld(ctx, a, input.WorldID); err != nil {
			return nil, handleError(err)
		}
		status, err := a.QueueStatus(ctx, input.WorldID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body protocol.QueueStatusMsg `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-queue-items",
		Method:      http.MethodGet,
		Path:        "/worlds/{world_id}/queues/{queue}/items",
		Summary:     "Unfinished items, or history when finished=true",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorldID  string `path:"world_id"`
		Queue    string `path:"queue" enum:"player_action,llm_reasoning,dm_approval,asset_generation"`
		Finished bool   `query:"finished"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []QueueItemResponse `json:"body"`
	}, error) {
		if _, err := requireWorld(ctx, a, input.WorldID); err != nil {
			return nil, handleError(err)
		}
		q := a.Queues.Get(queue.Name(input.Queue))
		if q == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown queue "+input.Queue, nil)
		}
		var items []queue.Item
		var err error
		if input.Finished {
			items, err = q.Backend.HistoryByWorld(ctx, q.Name, input.WorldID, normalizeLimit(input.Limit))
		} else {
			items, err = q.Backend.ListByWorld(ctx, q.Name, input.WorldID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]QueueItemResponse, 0, len(items))
		for _, it := range items {
			out = append(out, queueItemResponse(it))
		}
		return &struct {
			Body []QueueItemResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-cleanup",
		Method:      http.MethodPost,
		Path:        "/queues/cleanup",
		Summary:     "Expire stale waiting items and delete finished history",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body queue.CleanupResult `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, handleError(err)
		}
		res := a.Pipeline.Maintainer().CleanupOnce(ctx)
		return &struct {
			Body queue.CleanupResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerApprovals(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/worlds/{world_id}/approvals",
		Summary:     "Items waiting on a DM decision",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *worldPath) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		if _, err := requireWorld(ctx, a, input.WorldID); err != nil {
			return nil, handleError(err)
		}
		out := []ApprovalResponse{}
		if st, ok := a.States.Get(input.WorldID); ok {
			for _, ap := range st.Approvals() {
				out = append(out, approvalResponse(ap))
			}
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/worlds/{world_id}/events",
		Summary:     "List recent world events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorldID    string `path:"world_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireWorld(ctx, a, input.WorldID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.Repo.LatestEvents(ctx, limit+1, repo.EventFilter{
			WorldID:    input.WorldID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
