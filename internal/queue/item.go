// Package queue provides durable work queues drained by background workers.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Name string

const (
	PlayerAction    Name = "player_action"
	Reasoning       Name = "llm_reasoning"
	Approval        Name = "dm_approval"
	AssetGeneration Name = "asset_generation"
)

// Names lists every queue the pipeline drains.
var Names = []Name{PlayerAction, Reasoning, Approval, AssetGeneration}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDelayed    Status = "delayed"
	StatusExpired    Status = "expired"
)

const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

var (
	ErrNotFound     = errors.New("queue item not found")
	ErrInvalidState = errors.New("queue item in invalid state")
)

// Item is the envelope stored for every unit of queued work.
type Item struct {
	ID            string          `json:"id"`
	Queue         Name            `json:"queue"`
	WorldID       string          `json:"world_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	Error         string          `json:"error,omitempty"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Decode unmarshals the item payload.
func (it Item) Decode(v any) error {
	if err := json.Unmarshal(it.Payload, v); err != nil {
		return fmt.Errorf("decode %s item %s: %w", it.Queue, it.ID, err)
	}
	return nil
}

// NewItem describes an item to enqueue.
type NewItem struct {
	WorldID       string
	CorrelationID string
	Priority      int
	MaxAttempts   int
	Payload       any
}

func (n NewItem) encode() (json.RawMessage, error) {
	if raw, ok := n.Payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(n.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// Stats counts items per status for one queue.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Delayed    int `json:"delayed"`
	Expired    int `json:"expired"`
}

func (s *Stats) add(status Status, n int) {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusInProgress:
		s.InProgress += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	case StatusDelayed:
		s.Delayed += n
	case StatusExpired:
		s.Expired += n
	}
}

// Depth is the number of items still waiting to be processed.
func (s Stats) Depth() int {
	return s.Pending + s.Delayed
}

// RecoverResult reports what a crash-recovery scan did.
type RecoverResult struct {
	Requeued int
	Failed   int
}
