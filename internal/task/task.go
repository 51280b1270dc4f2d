// Package task defines the data model shared by every component of the
// orchestration core: the Task itself, its status/action enums, the
// Account view the core reads from the registry, and the typed property
// bag attached to a running task.
package task

import "time"

// Action is the closed set of drawing operations a client may submit.
type Action string

const (
	ActionImagine   Action = "IMAGINE"
	ActionUpscale   Action = "UPSCALE"
	ActionVariation Action = "VARIATION"
	ActionReroll    Action = "REROLL"
	ActionDescribe  Action = "DESCRIBE"
	ActionBlend     Action = "BLEND"
	ActionShorten   Action = "SHORTEN"
	ActionZoom      Action = "ZOOM"
	ActionPan       Action = "PAN"
	ActionInpaint   Action = "INPAINT"
	ActionEdit      Action = "EDIT"
	ActionRetexture Action = "RETEXTURE"
	ActionVideo     Action = "VIDEO"
	ActionShow      Action = "SHOW"
	ActionDo        Action = "ACTION"
	ActionSeed      Action = "SEED"
)

// Status is the task state machine.
type Status string

const (
	StatusNotStart  Status = "NOT_START"
	StatusModal     Status = "MODAL"
	StatusSubmitted Status = "SUBMITTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancel    Status = "CANCEL"
)

// IsTerminal reports whether s is one of the three terminal statuses.
// Terminal tasks never transition further (invariant 3).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancel:
		return true
	}
	return false
}

// BotFamily is the logical drawing style; affects remix toggles and
// which private channel receives /info and /show.
type BotFamily string

const (
	BotMJ   BotFamily = "MJ"
	BotNiji BotFamily = "NIJI"
)

// BackendFamily is the upstream provider family.
type BackendFamily string

const (
	BackendChat    BackendFamily = "CHAT"
	BackendPartner BackendFamily = "PARTNER"
	BackendOfficial BackendFamily = "OFFICIAL"
)

// Mode is the scheduling speed an account advertises per-mode capacity for.
type Mode string

const (
	ModeFast  Mode = "FAST"
	ModeRelax Mode = "RELAX"
	ModeTurbo Mode = "TURBO"
	ModeNone  Mode = ""
)

// Button is one actionable component in the follow-up action grid
// returned alongside a finished image (U1..U4, V1..V4, reroll, ...).
type Button struct {
	CustomID string `json:"custom_id"`
	Label    string `json:"label"`
	Style    int    `json:"style"`
}

// Properties is the narrowed, typed replacement for the source's dynamic
// property bag (DESIGN NOTES: "Dynamic property bags on tasks are
// narrowed to a typed struct"). Any field not named here is rejected.
type Properties struct {
	Nonce                 string `json:"nonce,omitempty"`
	MessageID             string `json:"message_id,omitempty"`
	MessageHash           string `json:"message_hash,omitempty"`
	Flags                 int    `json:"flags,omitempty"`
	CustomID              string `json:"custom_id,omitempty"`
	FinalPrompt           string `json:"final_prompt,omitempty"`
	RemixCustomID         string `json:"remix_custom_id,omitempty"`
	RemixModal            bool   `json:"remix_modal,omitempty"`
	RemixModalMessageID   string `json:"remix_modal_message_id,omitempty"`
	RemixUCustomID        string `json:"remix_u_custom_id,omitempty"`
	InteractionMetadataID string `json:"interaction_metadata_id,omitempty"`
	DiscordInstanceID     string `json:"discord_instance_id,omitempty"`
	Remix                 bool   `json:"remix,omitempty"`
	SeedMessageID         string `json:"seed_message_id,omitempty"`
}

// AccountFilter carries caller-supplied selection preferences.
type AccountFilter struct {
	Modes      []Mode
	InstanceIDs []string
	DomainIDs  []string
	SpeedPreference Mode
}

// Task is the primary entity. Field names mirror the
// semantic attribute list; the store maps this 1:1 onto SQL columns.
type Task struct {
	ID          string
	ParentID    string
	Action      Action
	Status      Status
	BotFamily   BotFamily
	BackendFamily BackendFamily
	Mode        Mode

	Prompt      string
	PromptEn    string
	Description string
	ImageURL    string
	ImageURLs   []string
	Buttons     []Button
	Properties  Properties

	SubmitTime time.Time
	StartTime  time.Time
	FinishTime time.Time

	FailReason string
	Progress   string
	Seed       string

	InstanceID    string
	SubInstanceID string

	AccountFilter AccountFilter
}

// InheritFromParent copies the fields a follow-up task must inherit from
// its parent (invariant 4). Returns false if the inherited families would
// conflict with values already set on t (mismatched follow-up).
func (t *Task) InheritFromParent(parent *Task) bool {
	if t.BackendFamily != "" && t.BackendFamily != parent.BackendFamily {
		return false
	}
	if t.BotFamily != "" && t.BotFamily != parent.BotFamily {
		return false
	}
	t.BackendFamily = parent.BackendFamily
	t.BotFamily = parent.BotFamily
	t.ParentID = parent.ID
	return true
}
