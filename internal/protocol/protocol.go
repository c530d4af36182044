package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "1"

// Client -> server message types.
const (
	TypeJoinWorld           = "JoinWorld"
	TypeLeaveWorld          = "LeaveWorld"
	TypePlayerAction        = "PlayerAction"
	TypeMoveToRegion        = "MoveToRegion"
	TypeExitToLocation      = "ExitToLocation"
	TypeRespondToApproval   = "RespondToApproval"
	TypeSelectBranch        = "SelectBranch"
	TypeTriggerChallenge    = "TriggerChallenge"
	TypeSubmitChallengeRoll = "SubmitChallengeRoll"
	TypeTriggerNarrative    = "TriggerNarrativeEvent"
	TypeApproveStaging      = "ApproveStaging"
	TypeRegenerateStaging   = "RegenerateStaging"
	TypePreStageRegion      = "PreStageRegion"
	TypeDirectorialUpdate   = "DirectorialUpdate"
	TypeAdvanceGameTime     = "AdvanceGameTime"
	TypeRequestAsset        = "RequestAsset"
	TypeRequestQueueStatus  = "RequestQueueStatus"
	TypeCancelRequest       = "CancelRequest"
	TypeRequest             = "Request"
	TypeHeartbeat           = "Heartbeat"
)

// Server -> client message types.
const (
	TypeWorldJoined             = "WorldJoined"
	TypeUserJoined              = "UserJoined"
	TypeUserLeft                = "UserLeft"
	TypeActionReceived          = "ActionReceived"
	TypeSceneChanged            = "SceneChanged"
	TypeSceneUpdate             = "SceneUpdate"
	TypeStagingPending          = "StagingPending"
	TypeStagingApprovalRequired = "StagingApprovalRequired"
	TypeStagingRegenerated      = "StagingRegenerated"
	TypeStagingReady            = "StagingReady"
	TypeStagingTimedOut         = "StagingTimedOut"
	TypeMovementBlocked         = "MovementBlocked"
	TypeApprovalRequired        = "ApprovalRequired"
	TypeApprovalExpired         = "ApprovalExpired"
	TypeDialogueResponse        = "DialogueResponse"
	TypeChallengePrompt         = "ChallengePrompt"
	TypeChallengeRollSubmitted  = "ChallengeRollSubmitted"
	TypeChallengeResolved       = "ChallengeResolved"
	TypeOutcomeSuggestionReady  = "OutcomeSuggestionReady"
	TypeNarrativeEventTriggered = "NarrativeEventTriggered"
	TypeGameTimeAdvanced        = "GameTimeAdvanced"
	TypeQueueStatus             = "QueueStatus"
	TypeAssetGenerated          = "AssetGenerated"
	TypeResponse                = "Response"
	TypeError                   = "Error"
	TypePong                    = "Pong"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Encode marshals a server message, stamping its type tag.
func Encode(msgType string, msg any) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	tag, _ := json.Marshal(msgType)
	fields["type"] = tag
	return json.Marshal(fields)
}

// Envelope is a typed outbound message ready for a transport.
type Envelope struct {
	Type string
	Body any
}

func (e Envelope) Bytes() ([]byte, error) {
	return Encode(e.Type, e.Body)
}

// New pairs a message type with its body.
func New(msgType string, body any) Envelope {
	return Envelope{Type: msgType, Body: body}
}
