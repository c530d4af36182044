package protocol

import (
	"encoding/json"
	"time"

	"loreline/internal/domain"
)

type ConnectedUser struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	PcID   string `json:"pc_id,omitempty"`
}

type WorldJoinedMsg struct {
	WorldID        string          `json:"world_id"`
	WorldName      string          `json:"world_name"`
	Role           string          `json:"role"`
	GameTime       time.Time       `json:"game_time"`
	ConnectedUsers []ConnectedUser `json:"connected_users"`
	PcID           string          `json:"pc_id,omitempty"`
}

type UserJoinedMsg struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	PcID   string `json:"pc_id,omitempty"`
}

type UserLeftMsg struct {
	UserID string `json:"user_id"`
}

type ActionReceivedMsg struct {
	ActionID   string `json:"action_id"`
	PcID       string `json:"pc_id,omitempty"`
	ActionType string `json:"action_type"`
}

type RegionInfo struct {
	ID          string `json:"id"`
	LocationID  string `json:"location_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type NpcPresence struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Reasoning   string `json:"reasoning,omitempty"`
	Hidden      bool   `json:"is_hidden_from_players,omitempty"`
}

type ExitInfo struct {
	RegionID    string `json:"region_id"`
	Description string `json:"description,omitempty"`
	IsLocked    bool   `json:"is_locked,omitempty"`
}

type SceneChangedMsg struct {
	PcID        string        `json:"pc_id"`
	Region      RegionInfo    `json:"region"`
	NpcsPresent []NpcPresence `json:"npcs_present"`
	Exits       []ExitInfo    `json:"exits"`
	StagingID   string        `json:"staging_id,omitempty"`
	SceneID     string        `json:"scene_id,omitempty"`
}

type SceneUpdateMsg struct {
	LocationID string   `json:"location_id"`
	SceneID    string   `json:"scene_id"`
	SceneName  string   `json:"scene_name"`
	PcIDs      []string `json:"pc_ids"`
}

type StagingPendingMsg struct {
	PcID       string `json:"pc_id"`
	RegionID   string `json:"region_id"`
	RegionName string `json:"region_name"`
}

type StagingApprovalRequiredMsg struct {
	RequestID   string             `json:"request_id"`
	RegionID    string             `json:"region_id"`
	LocationID  string             `json:"location_id"`
	GameTime    time.Time          `json:"game_time"`
	RuleBased   []domain.StagedNpc `json:"rule_based_npcs"`
	LLMBased    []domain.StagedNpc `json:"llm_based_npcs"`
	WaitingPcs  []string           `json:"waiting_pcs"`
	DefaultTTL  int                `json:"default_ttl_hours"`
	PreviousNpc []domain.StagedNpc `json:"previous_npcs,omitempty"`
}

type StagingRegeneratedMsg struct {
	RequestID   string             `json:"request_id"`
	RegionID    string             `json:"region_id"`
	Source      string             `json:"source"`
	Suggestions []domain.StagedNpc `json:"suggestions"`
}

type StagingReadyMsg struct {
	RegionID string              `json:"region_id"`
	Staging  domain.StagingEntry `json:"staging"`
}

type StagingTimedOutMsg struct {
	RegionID string `json:"region_id"`
	PcID     string `json:"pc_id"`
}

type MovementBlockedMsg struct {
	PcID   string `json:"pc_id"`
	Reason string `json:"reason"`
}

type Branch struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type ApprovalRequiredMsg struct {
	ApprovalID   string    `json:"approval_id"`
	Kind         string    `json:"kind"`
	PcID         string    `json:"pc_id,omitempty"`
	ProposedText string    `json:"proposed_text"`
	Branches     []Branch  `json:"branches,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type ApprovalExpiredMsg struct {
	ApprovalID string `json:"approval_id"`
	Kind       string `json:"kind"`
	PcID       string `json:"pc_id,omitempty"`
}

type DialogueResponseMsg struct {
	PcID    string `json:"pc_id,omitempty"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type ChallengePromptMsg struct {
	ResolutionID  string `json:"resolution_id"`
	ChallengeID   string `json:"challenge_id"`
	ChallengeName string `json:"challenge_name"`
	SkillName     string `json:"skill_name,omitempty"`
	Dice          string `json:"dice,omitempty"`
	Modifier      int    `json:"modifier"`
}

type ChallengeRollSubmittedMsg struct {
	ResolutionID string `json:"resolution_id"`
	ChallengeID  string `json:"challenge_id"`
	PcID         string `json:"pc_id"`
	Roll         int    `json:"roll"`
	Modifier     int    `json:"modifier"`
	Total        int    `json:"total"`
	Outcome      string `json:"outcome"`
	Description  string `json:"outcome_description"`
}

type ChallengeResolvedMsg struct {
	ResolutionID string `json:"resolution_id"`
	ChallengeID  string `json:"challenge_id"`
	PcID         string `json:"pc_id"`
	Roll         int    `json:"roll"`
	Modifier     int    `json:"modifier"`
	Total        int    `json:"total"`
	Outcome      string `json:"outcome"`
	Description  string `json:"description"`
	EffectsOK    int    `json:"effects_applied"`
	EffectsFail  int    `json:"effects_failed"`
}

type OutcomeSuggestionReadyMsg struct {
	ApprovalID  string   `json:"approval_id"`
	Suggestions []string `json:"suggestions"`
	Branches    []Branch `json:"branches,omitempty"`
}

type NarrativeEventTriggeredMsg struct {
	EventID     string `json:"event_id"`
	EventName   string `json:"event_name"`
	Outcome     string `json:"outcome"`
	Description string `json:"description"`
	EffectsOK   int    `json:"effects_applied"`
	EffectsFail int    `json:"effects_failed"`
}

type GameTimeAdvancedMsg struct {
	Previous time.Time `json:"previous"`
	GameTime time.Time `json:"game_time"`
	Hours    int       `json:"hours"`
}

type QueueCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Delayed    int `json:"delayed"`
	Expired    int `json:"expired"`
}

type QueueStatusMsg struct {
	Queues           map[string]QueueCounts `json:"queues"`
	PendingApprovals int                    `json:"pending_approvals"`
}

type AssetGeneratedMsg struct {
	RequestID  string `json:"request_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	AssetURL   string `json:"asset_url"`
}

type ResponseResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorMsg       `json:"error,omitempty"`
}

type ResponseMsg struct {
	ID     string         `json:"id"`
	Result ResponseResult `json:"result"`
}

type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct{}
