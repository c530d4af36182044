package server

import (
	"encoding/json"
	"time"

	"loreline/internal/domain"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/worldstate"
)

type WorldResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// GameTime is the live clock while a session runs, else the stored one.
	GameTime    string                     `json:"game_time" format:"date-time"`
	Running     bool                       `json:"running"`
	DMOnline    bool                       `json:"dm_online"`
	Turns       int                        `json:"turns"`
	SceneID     string                     `json:"scene_id,omitempty"`
	Users       []protocol.ConnectedUser   `json:"users"`
	CreatedAt   string                     `json:"created_at" format:"date-time"`
	Directorial *protocol.DirectorialNotes `json:"directorial,omitempty"`
}

type RegionResponse struct {
	domain.Region
	Exits []domain.RegionConnection `json:"exits"`
}

type QueueItemResponse struct {
	ID            string         `json:"id"`
	Queue         string         `json:"queue"`
	WorldID       string         `json:"world_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Status        string         `json:"status" enum:"pending,in_progress,completed,failed,delayed,expired"`
	Priority      int            `json:"priority"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	Error         string         `json:"error,omitempty"`
	ScheduledAt   string         `json:"scheduled_at,omitempty" format:"date-time"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type ApprovalResponse struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	PcID          string            `json:"pc_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ProposedText  string            `json:"proposed_text"`
	Branches      []protocol.Branch `json:"branches"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
	ExpiresAt     string            `json:"expires_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	WorldID    string         `json:"world_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	Worlds []string `json:"worlds"`
	Source string   `json:"source"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func queueItemResponse(it queue.Item) QueueItemResponse {
	res := QueueItemResponse{
		ID:            it.ID,
		Queue:         string(it.Queue),
		WorldID:       it.WorldID,
		CorrelationID: it.CorrelationID,
		Status:        string(it.Status),
		Priority:      it.Priority,
		Attempts:      it.Attempts,
		MaxAttempts:   it.MaxAttempts,
		Error:         it.Error,
		CreatedAt:     formatTime(it.CreatedAt),
		UpdatedAt:     formatTime(it.UpdatedAt),
		Payload:       decodeJSONMap(string(it.Payload)),
	}
	if it.ScheduledAt != nil {
		res.ScheduledAt = formatTime(*it.ScheduledAt)
	}
	return res
}

func approvalResponse(a worldstate.PendingApproval) ApprovalResponse {
	return ApprovalResponse{
		ID:            a.ID,
		Kind:          string(a.Kind),
		PcID:          a.PcID,
		CorrelationID: a.CorrelationID,
		ProposedText:  a.ProposedText,
		Branches:      nonNilSlice(a.Branches),
		CreatedAt:     formatTime(a.CreatedAt),
		ExpiresAt:     formatTime(a.ExpiresAt),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		WorldID:    e.WorldID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
