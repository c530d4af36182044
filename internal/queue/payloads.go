package queue

// PlayerActionPayload is a player's action awaiting interpretation.
type PlayerActionPayload struct {
	WorldID    string `json:"world_id"`
	PcID       string `json:"pc_id,omitempty"`
	UserID     string `json:"user_id"`
	ActionType string `json:"action_type"`
	Target     string `json:"target,omitempty"`
	Dialogue   string `json:"dialogue,omitempty"`
	Turn       int    `json:"turn"`
}

type ReasoningKind string

const (
	ReasonPlayerAction      ReasoningKind = "player_action"
	ReasonOutcomeSuggestion ReasoningKind = "outcome_suggestion"
	ReasonStagingSuggestion ReasoningKind = "staging_suggestion"
)

// ReasoningRequest asks the reasoning collaborator for content.
type ReasoningRequest struct {
	Kind         ReasoningKind `json:"kind"`
	ActionItemID string        `json:"action_item_id,omitempty"`
	ApprovalID   string        `json:"approval_id,omitempty"`
	WorldID      string        `json:"world_id"`
	PcID         string        `json:"pc_id,omitempty"`
	UserID       string        `json:"user_id,omitempty"`
	ActionType   string        `json:"action_type,omitempty"`
	Target       string        `json:"target,omitempty"`
	Dialogue     string        `json:"dialogue,omitempty"`
	Guidance     string        `json:"guidance,omitempty"`
	ProposedText string        `json:"proposed_text,omitempty"`

	// Staging suggestions answer a pending staging request or a DM regenerate.
	RegionID         string `json:"region_id,omitempty"`
	StagingRequestID string `json:"staging_request_id,omitempty"`
}

type ApprovalPayloadKind string

const (
	ApprovalPayloadRequest  ApprovalPayloadKind = "request"
	ApprovalPayloadDecision ApprovalPayloadKind = "decision"
)

// ApprovalPayload is either content awaiting a DM decision or the decision.
type ApprovalPayload struct {
	Kind     ApprovalPayloadKind `json:"kind"`
	Request  *ApprovalRequest    `json:"request,omitempty"`
	Decision *ApprovalDecision   `json:"decision,omitempty"`
}

// ApprovalRequest is generated content for the DM to review.
type ApprovalRequest struct {
	WorldID      string `json:"world_id"`
	PcID         string `json:"pc_id,omitempty"`
	Speaker      string `json:"speaker"`
	ProposedText string `json:"proposed_text"`
	ActionItemID string `json:"action_item_id,omitempty"`
}

// ApprovalDecision is a DM verdict on a pending approval.
type ApprovalDecision struct {
	WorldID    string `json:"world_id"`
	ApprovalID string `json:"approval_id"`
	DecidedBy  string `json:"decided_by"`
	Kind       string `json:"kind"`
	Text       string `json:"text,omitempty"`
	Guidance   string `json:"guidance,omitempty"`
	BranchID   string `json:"branch_id,omitempty"`
}

// AssetRequest asks the image generator for an asset.
type AssetRequest struct {
	WorldID     string `json:"world_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Prompt      string `json:"prompt"`
	RequestedBy string `json:"requested_by"`
}
