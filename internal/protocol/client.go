package protocol

import "encoding/json"

type JoinWorldMsg struct {
	WorldID string `json:"world_id"`
	Role    string `json:"role"`
	UserID  string `json:"user_id"`
	PcID    string `json:"pc_id,omitempty"`
}

type PlayerActionMsg struct {
	PcID       string `json:"pc_id,omitempty"`
	ActionType string `json:"action_type"`
	Target     string `json:"target,omitempty"`
	Dialogue   string `json:"dialogue,omitempty"`
}

type MoveToRegionMsg struct {
	PcID     string `json:"pc_id,omitempty"`
	RegionID string `json:"region_id"`
}

type ExitToLocationMsg struct {
	PcID            string `json:"pc_id,omitempty"`
	LocationID      string `json:"location_id"`
	ArrivalRegionID string `json:"arrival_region_id,omitempty"`
}

// Decision kinds a DM may return for any pending approval.
const (
	DecisionAccept  = "accept"
	DecisionEdit    = "edit"
	DecisionSuggest = "suggest"
	DecisionReject  = "reject"

	// DecisionSelectBranch is produced by SelectBranch, not RespondToApproval.
	DecisionSelectBranch = "select_branch"
)

type Decision struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	Guidance string `json:"guidance,omitempty"`
}

type RespondToApprovalMsg struct {
	ApprovalID string   `json:"approval_id"`
	Decision   Decision `json:"decision"`
}

type SelectBranchMsg struct {
	ApprovalID string `json:"approval_id"`
	BranchID   string `json:"branch_id"`
	Text       string `json:"text,omitempty"`
}

type TriggerChallengeMsg struct {
	ChallengeID string `json:"challenge_id"`
	PcID        string `json:"pc_id"`
}

type SubmitChallengeRollMsg struct {
	ResolutionID string `json:"resolution_id"`
	Roll         *int   `json:"roll,omitempty"`
	Formula      string `json:"formula,omitempty"`
}

type TriggerNarrativeMsg struct {
	EventID string `json:"event_id"`
	PcID    string `json:"pc_id,omitempty"`
}

type StagedNpcInput struct {
	CharacterID         string `json:"character_id"`
	IsPresent           bool   `json:"is_present"`
	IsHiddenFromPlayers bool   `json:"is_hidden_from_players,omitempty"`
	Reasoning           string `json:"reasoning,omitempty"`
}

type ApproveStagingMsg struct {
	RequestID string           `json:"request_id,omitempty"`
	RegionID  string           `json:"region_id"`
	Npcs      []StagedNpcInput `json:"npcs"`
	TTLHours  int              `json:"ttl_hours,omitempty"`
	Source    string           `json:"source,omitempty"`
	Guidance  string           `json:"guidance,omitempty"`
}

type RegenerateStagingMsg struct {
	RequestID string `json:"request_id,omitempty"`
	RegionID  string `json:"region_id"`
	Guidance  string `json:"guidance,omitempty"`
}

type PreStageRegionMsg struct {
	RegionID string           `json:"region_id"`
	Npcs     []StagedNpcInput `json:"npcs"`
	TTLHours int              `json:"ttl_hours,omitempty"`
}

type DirectorialNotes struct {
	Tone           string            `json:"tone,omitempty"`
	Pacing         string            `json:"pacing,omitempty"`
	NpcMotivations map[string]string `json:"npc_motivations,omitempty"`
	Notes          string            `json:"notes,omitempty"`
}

type DirectorialUpdateMsg struct {
	Notes DirectorialNotes `json:"notes"`
}

type AdvanceGameTimeMsg struct {
	Hours int `json:"hours"`
}

type RequestAssetMsg struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Prompt     string `json:"prompt"`
}

type CancelRequestMsg struct {
	CorrelationID string `json:"correlation_id"`
}

// RequestMsg is the generic request envelope for CRUD-style calls.
type RequestMsg struct {
	ID      string         `json:"id"`
	Payload RequestPayload `json:"payload"`
}

type RequestPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}
