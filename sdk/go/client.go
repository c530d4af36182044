package lorelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Loreline inspection API client bound to one world.
type Client struct {
	BaseURL     string
	WorldID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, worldID, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorldID:     worldID,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type ConnectedUser struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	PcID   string `json:"pc_id,omitempty"`
}

// World is the world summary with its live session state.
type World struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	GameTime string          `json:"game_time"`
	Running  bool            `json:"running"`
	DMOnline bool            `json:"dm_online"`
	Turns    int             `json:"turns"`
	SceneID  string          `json:"scene_id,omitempty"`
	Users    []ConnectedUser `json:"users"`
}

type StagedNpc struct {
	CharacterID         string `json:"character_id"`
	Name                string `json:"name"`
	IsPresent           bool   `json:"is_present"`
	IsHiddenFromPlayers bool   `json:"is_hidden_from_players"`
	Reasoning           string `json:"reasoning,omitempty"`
}

type StagingEntry struct {
	ID         string      `json:"id"`
	RegionID   string      `json:"region_id"`
	Npcs       []StagedNpc `json:"npcs"`
	ApprovedAt string      `json:"approved_at"`
	TTLHours   int         `json:"ttl_hours"`
	ApprovedBy string      `json:"approved_by"`
	Source     string      `json:"source"`
	IsActive   bool        `json:"is_active"`
}

type QueueCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Delayed    int `json:"delayed"`
	Expired    int `json:"expired"`
}

type QueueStatus struct {
	Queues           map[string]QueueCounts `json:"queues"`
	PendingApprovals int                    `json:"pending_approvals"`
}

type QueueItem struct {
	ID            string `json:"id"`
	Queue         string `json:"queue"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type Approval struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	PcID         string `json:"pc_id,omitempty"`
	ProposedText string `json:"proposed_text"`
	ExpiresAt    string `json:"expires_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	WorldID    string         `json:"world_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

func (c *Client) World(ctx context.Context) (World, error) {
	var resp World
	err := c.do(ctx, http.MethodGet, c.worldPath(""), nil, &resp)
	return resp, err
}

// ActiveStaging returns the region's unexpired staging. A region with none
// yields an *APIError with status 404.
func (c *Client) ActiveStaging(ctx context.Context, regionID string) (StagingEntry, error) {
	var resp StagingEntry
	endpoint := c.worldPath(fmt.Sprintf("regions/%s/staging", url.PathEscape(regionID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) StagingHistory(ctx context.Context, regionID string, limit int) ([]StagingEntry, error) {
	var resp []StagingEntry
	endpoint := c.worldPath(fmt.Sprintf("regions/%s/staging/history", url.PathEscape(regionID)))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var resp QueueStatus
	err := c.do(ctx, http.MethodGet, c.worldPath("queues"), nil, &resp)
	return resp, err
}

// QueueItems lists a queue's unfinished items, or its history when finished.
func (c *Client) QueueItems(ctx context.Context, queue string, finished bool) ([]QueueItem, error) {
	var resp []QueueItem
	endpoint := c.worldPath(fmt.Sprintf("queues/%s/items?finished=%t", url.PathEscape(queue), finished))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Approvals(ctx context.Context) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, c.worldPath("approvals"), nil, &resp)
	return resp, err
}

func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.worldPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) worldPath(p string) string {
	world := url.PathEscape(c.WorldID)
	if p == "" {
		return "v1/worlds/" + world
	}
	return fmt.Sprintf("v1/worlds/%s/%s", world, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
