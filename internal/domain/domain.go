package domain

import "time"

type World struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	GameTime    string `json:"game_time" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Location struct {
	ID              string  `json:"id"`
	WorldID         string  `json:"world_id"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	DefaultRegionID *string `json:"default_region_id,omitempty"`
}

type Region struct {
	ID           string `json:"id"`
	WorldID      string `json:"world_id"`
	LocationID   string `json:"location_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	IsSpawnPoint bool   `json:"is_spawn_point"`
	Order        int    `json:"order"`
}

type RegionConnection struct {
	FromRegionID    string `json:"from_region_id"`
	ToRegionID      string `json:"to_region_id"`
	Description     string `json:"description,omitempty"`
	Bidirectional   bool   `json:"bidirectional"`
	IsLocked        bool   `json:"is_locked"`
	LockDescription string `json:"lock_description,omitempty"`
}

type PlayerCharacter struct {
	ID         string         `json:"id"`
	WorldID    string         `json:"world_id"`
	UserID     string         `json:"user_id"`
	Name       string         `json:"name"`
	LocationID string         `json:"location_id"`
	RegionID   *string        `json:"region_id,omitempty"`
	Stats      map[string]int `json:"stats,omitempty"`
	UpdatedAt  string         `json:"updated_at,omitempty" format:"date-time"`
}

// Modifier returns the stat bonus used for a skill check.
func (pc PlayerCharacter) Modifier(skill string) int {
	if pc.Stats == nil {
		return 0
	}
	return pc.Stats[skill]
}

type NPC struct {
	ID          string `json:"id"`
	WorldID     string `json:"world_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

type AffinityKind string

const (
	AffinityHome      AffinityKind = "home"
	AffinityWorksAt   AffinityKind = "works_at"
	AffinityFrequents AffinityKind = "frequents"
	AffinityAvoids    AffinityKind = "avoids"
)

// NpcRegionLink ties an NPC to a region it lives in, works at, frequents or avoids.
type NpcRegionLink struct {
	NpcID     string       `json:"npc_id"`
	NpcName   string       `json:"npc_name,omitempty"`
	RegionID  string       `json:"region_id"`
	Kind      AffinityKind `json:"kind" enum:"home,works_at,frequents,avoids"`
	Shift     string       `json:"shift,omitempty" enum:"day,night,any"`
	Frequency string       `json:"frequency,omitempty" enum:"always,often,sometimes,rarely"`
	TimeOfDay string       `json:"time_of_day,omitempty" enum:"morning,afternoon,evening,night,any"`
}

type InventoryItem struct {
	PcID     string `json:"pc_id"`
	ItemID   string `json:"item_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type Scene struct {
	ID          string           `json:"id"`
	WorldID     string           `json:"world_id"`
	LocationID  string           `json:"location_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Order       int              `json:"order"`
	Conditions  []SceneCondition `json:"conditions,omitempty"`
	// TimeContext limits the scene to one time of day. Empty or "any" always
	// matches; event and free-form contexts are not evaluated and match too.
	TimeContext string `json:"time_context,omitempty"`
}

type ConditionKind string

const (
	ConditionCompletedScene ConditionKind = "completed_scene"
	ConditionHasItem        ConditionKind = "has_item"
	ConditionKnowsCharacter ConditionKind = "knows_character"
	ConditionFlagSet        ConditionKind = "flag_set"
	ConditionCustom         ConditionKind = "custom"
)

type SceneCondition struct {
	Kind        ConditionKind `json:"kind" enum:"completed_scene,has_item,knows_character,flag_set,custom"`
	SceneID     string        `json:"scene_id,omitempty"`
	ItemID      string        `json:"item_id,omitempty"`
	CharacterID string        `json:"character_id,omitempty"`
	Flag        string        `json:"flag,omitempty"`
	Description string        `json:"description,omitempty"`
}

type StagingSource string

const (
	SourceRuleBased    StagingSource = "rule_based"
	SourceLLMBased     StagingSource = "llm_based"
	SourceDMCustomized StagingSource = "dm_customized"
	SourcePreStaged    StagingSource = "pre_staged"
)

type StagedNpc struct {
	CharacterID         string `json:"character_id"`
	Name                string `json:"name"`
	IsPresent           bool   `json:"is_present"`
	IsHiddenFromPlayers bool   `json:"is_hidden_from_players"`
	Reasoning           string `json:"reasoning,omitempty"`
}

// StagingEntry is one approved presence snapshot for a region. ApprovedAt is game time.
type StagingEntry struct {
	ID         string        `json:"id"`
	WorldID    string        `json:"world_id"`
	RegionID   string        `json:"region_id"`
	LocationID string        `json:"location_id"`
	Npcs       []StagedNpc   `json:"npcs"`
	ApprovedAt time.Time     `json:"approved_at"`
	TTLHours   int           `json:"ttl_hours"`
	ApprovedBy string        `json:"approved_by"`
	Source     StagingSource `json:"source" enum:"rule_based,llm_based,dm_customized,pre_staged"`
	Guidance   string        `json:"guidance,omitempty"`
	IsActive   bool          `json:"is_active"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
}

func (s StagingEntry) ExpiresAt() time.Time {
	return s.ApprovedAt.Add(time.Duration(s.TTLHours) * time.Hour)
}

// IsExpired compares game time against approval time plus TTL.
func (s StagingEntry) IsExpired(gameNow time.Time) bool {
	return !gameNow.Before(s.ExpiresAt())
}

// VisibleNpcs returns present NPCs, dropping hidden ones unless includeHidden is set.
func (s StagingEntry) VisibleNpcs(includeHidden bool) []StagedNpc {
	out := make([]StagedNpc, 0, len(s.Npcs))
	for _, n := range s.Npcs {
		if !n.IsPresent {
			continue
		}
		if n.IsHiddenFromPlayers && !includeHidden {
			continue
		}
		out = append(out, n)
	}
	return out
}

type DifficultyKind string

const (
	DifficultyDC         DifficultyKind = "dc"
	DifficultyPercentage DifficultyKind = "percentage"
	DifficultyDescriptor DifficultyKind = "descriptor"
	DifficultyOpposed    DifficultyKind = "opposed"
	DifficultyCustom     DifficultyKind = "custom"
)

type Thresholds struct {
	FullSuccess     int  `json:"full_success"`
	PartialSuccess  int  `json:"partial_success"`
	CriticalSuccess *int `json:"critical_success,omitempty"`
	CriticalFailure *int `json:"critical_failure,omitempty"`
}

type Difficulty struct {
	Kind       DifficultyKind `json:"kind" enum:"dc,percentage,descriptor,opposed,custom"`
	Value      int            `json:"value,omitempty"`
	Descriptor string         `json:"descriptor,omitempty"`
	Thresholds *Thresholds    `json:"thresholds,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

type Outcome struct {
	Description string   `json:"description"`
	Effects     []Effect `json:"effects,omitempty"`
}

type ChallengeOutcomes struct {
	Success         Outcome  `json:"success"`
	Failure         Outcome  `json:"failure"`
	Partial         *Outcome `json:"partial,omitempty"`
	CriticalSuccess *Outcome `json:"critical_success,omitempty"`
	CriticalFailure *Outcome `json:"critical_failure,omitempty"`
}

type Challenge struct {
	ID          string            `json:"id"`
	WorldID     string            `json:"world_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	SkillName   string            `json:"skill_name,omitempty"`
	Dice        string            `json:"dice,omitempty"`
	Difficulty  Difficulty        `json:"difficulty"`
	Outcomes    ChallengeOutcomes `json:"outcomes"`
	Active      bool              `json:"active"`
}

type TriggerKind string

const (
	TriggerFlagSet            TriggerKind = "flag_set"
	TriggerFlagNotSet         TriggerKind = "flag_not_set"
	TriggerEntersLocation     TriggerKind = "player_enters_location"
	TriggerHasItem            TriggerKind = "has_item"
	TriggerMissingItem        TriggerKind = "missing_item"
	TriggerEventCompleted     TriggerKind = "event_completed"
	TriggerTurnCount          TriggerKind = "turn_count"
	TriggerChallengeCompleted TriggerKind = "challenge_completed"
	TriggerDialogueTopic      TriggerKind = "dialogue_topic"
	TriggerCustom             TriggerKind = "custom"
)

type Trigger struct {
	ID              string      `json:"id"`
	Kind            TriggerKind `json:"kind"`
	Required        bool        `json:"required,omitempty"`
	Flag            string      `json:"flag,omitempty"`
	LocationID      string      `json:"location_id,omitempty"`
	ItemID          string      `json:"item_id,omitempty"`
	Quantity        int         `json:"quantity,omitempty"`
	EventID         string      `json:"event_id,omitempty"`
	OutcomeName     string      `json:"outcome_name,omitempty"`
	Turns           int         `json:"turns,omitempty"`
	ChallengeID     string      `json:"challenge_id,omitempty"`
	RequiresSuccess *bool       `json:"requires_success,omitempty"`
	Keywords        []string    `json:"keywords,omitempty"`
	Description     string      `json:"description,omitempty"`
}

type TriggerMode string

const (
	LogicAll     TriggerMode = "all"
	LogicAny     TriggerMode = "any"
	LogicAtLeast TriggerMode = "at_least"
)

type TriggerLogic struct {
	Mode TriggerMode `json:"mode" enum:"all,any,at_least"`
	N    int         `json:"n,omitempty"`
}

type EventOutcome struct {
	Name        string   `json:"name"`
	Label       string   `json:"label,omitempty"`
	Description string   `json:"description"`
	Effects     []Effect `json:"effects,omitempty"`
}

type NarrativeEvent struct {
	ID           string         `json:"id"`
	WorldID      string         `json:"world_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Logic        TriggerLogic   `json:"logic"`
	Triggers     []Trigger      `json:"triggers"`
	Outcomes     []EventOutcome `json:"outcomes"`
	Active       bool           `json:"active"`
	Repeatable   bool           `json:"repeatable"`
	Priority     int            `json:"priority"`
	TriggerCount int            `json:"trigger_count"`
	LastOutcome  string         `json:"last_outcome,omitempty"`
}

type EffectKind string

const (
	EffectSetFlag            EffectKind = "set_flag"
	EffectGiveItem           EffectKind = "give_item"
	EffectTakeItem           EffectKind = "take_item"
	EffectModifyRelationship EffectKind = "modify_relationship"
	EffectRevealInformation  EffectKind = "reveal_information"
	EffectEnableChallenge    EffectKind = "enable_challenge"
	EffectDisableChallenge   EffectKind = "disable_challenge"
	EffectEnableEvent        EffectKind = "enable_event"
	EffectDisableEvent       EffectKind = "disable_event"
	EffectTriggerScene       EffectKind = "trigger_scene"
	EffectModifyStat         EffectKind = "modify_stat"
	EffectCustom             EffectKind = "custom"
)

// Effect is one world-state change. PcID defaults to the character the outcome applies to.
type Effect struct {
	Kind        EffectKind `json:"kind"`
	PcID        string     `json:"pc_id,omitempty"`
	Flag        string     `json:"flag,omitempty"`
	WorldScope  bool       `json:"world_scope,omitempty"`
	Value       *bool      `json:"value,omitempty"`
	ItemID      string     `json:"item_id,omitempty"`
	ItemName    string     `json:"item_name,omitempty"`
	Quantity    int        `json:"quantity,omitempty"`
	TargetID    string     `json:"target_id,omitempty"`
	Delta       int        `json:"delta,omitempty"`
	Stat        string     `json:"stat,omitempty"`
	ChallengeID string     `json:"challenge_id,omitempty"`
	EventID     string     `json:"event_id,omitempty"`
	SceneID     string     `json:"scene_id,omitempty"`
	Info        string     `json:"info,omitempty"`
	Description string     `json:"description,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorldID    string `json:"world_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type Role string

const (
	RoleDM        Role = "DM"
	RolePlayer    Role = "Player"
	RoleSpectator Role = "Spectator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDM, RolePlayer, RoleSpectator:
		return true
	}
	return false
}
