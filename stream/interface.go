package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
)

type AssetKind string

const (
	KindVOD  AssetKind = "vod"
	KindLive AssetKind = "live"
)

// Sentinel errors for the coordinator. The HTTP layer maps these onto
// status codes so handlers never need to inspect error strings.
var (
	ErrInvalidAction           = errors.New("invalid playback action")
	ErrInvalidPosition         = errors.New("position must be zero or greater")
	ErrPositionExceedsDuration = errors.New("position is beyond the end of the asset")
	ErrEmptyQueue              = errors.New("queue is empty")
	ErrNoHoldScreen            = errors.New("no hold screen item has been configured")
	ErrAssetInUse              = errors.New("asset is currently in use")
	ErrUnknownAsset            = errors.New("no such asset")
	ErrNoActiveAsset           = errors.New("no asset is currently selected")
)

// StreamState is the single authoritative playback record that every
// viewer converges on. There is exactly one row (id = 1) for the lifetime
// of a deployment; it is only ever updated, never recreated.
//
// StateUpdatedAt and ElapsedMs move together and only on writes that
// affect playback. Writes that touch metadata alone (poster flag, auto
// advance, hold screen item) must leave the playback fields untouched,
// because followers treat any change to them as "something moved, resync".
type StreamState struct {
	ID                int       `db:"id" json:"-"`
	AssetID           string    `db:"asset_id" json:"asset_id"`
	Title             string    `db:"title" json:"title"`
	AssetKind         AssetKind `db:"asset_kind" json:"kind"`
	PlaybackStatus    Status    `db:"playback_status" json:"status"`
	PositionSeconds   float64   `db:"position_seconds" json:"position_seconds"`
	StateUpdatedAt    time.Time `db:"state_updated_at" json:"updated_at"`
	ElapsedMs         int64     `db:"elapsed_ms" json:"elapsed_ms"`
	LastCommand       string    `db:"last_command" json:"last_command"`
	LastCommandID     string    `db:"last_command_id" json:"last_command_id"`
	AutoAdvance       bool      `db:"auto_advance" json:"auto_advance"`
	HoldScreenEnabled bool      `db:"hold_screen_enabled" json:"hold_screen_enabled"`
	HoldScreenAssetID string    `db:"hold_screen_asset_id" json:"hold_screen_asset_id"`
	ResumeAssetID     string    `db:"resume_asset_id" json:"-"`
	ResumePosition    float64   `db:"resume_position" json:"-"`
	ResumeStatus      string    `db:"resume_status" json:"-"`
	ShowPoster        bool      `db:"show_poster" json:"show_poster"`
	UpdatedBy         string    `db:"updated_by" json:"-"`
}

// ResumePoint is the pre-hold snapshot captured when the hold screen is
// enabled, used to restore playback exactly where it left off.
type ResumePoint struct {
	AssetID  string  `json:"asset_id"`
	Position float64 `json:"position_seconds"`
	Status   Status  `json:"status"`
}

// Resume returns the captured pre-hold state, or nil outside of hold.
func (s StreamState) Resume() *ResumePoint {
	if !s.HoldScreenEnabled {
		return nil
	}
	return &ResumePoint{
		AssetID:  s.ResumeAssetID,
		Position: s.ResumePosition,
		Status:   Status(s.ResumeStatus),
	}
}

// Asset is a playable item registered with the coordinator. The ID is
// opaque; resolving it into an actual media URL is the signer's problem.
type Asset struct {
	ID              string    `db:"id" json:"id"`
	Title           string    `db:"title" json:"title"`
	Kind            AssetKind `db:"kind" json:"kind"`
	DurationSeconds float64   `db:"duration_seconds" json:"duration_seconds"` // 0 when unknown
	LoopPlayback    bool      `db:"loop_playback" json:"loop_playback"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// QueueEntry is one slot in the up-next queue. Positions are kept dense
// (1..N, no gaps) by every operation that removes or reorders entries.
type QueueEntry struct {
	ID       int64  `db:"id" json:"id"`
	AssetID  string `db:"asset_id" json:"asset_id"`
	Position int    `db:"position" json:"position"`
	Title    string `db:"title" json:"title"`
}

type Action string

const (
	ActionPlay    Action = "play"
	ActionPause   Action = "pause"
	ActionSeek    Action = "seek"
	ActionRestart Action = "restart"
)

// Command is the tagged union of host playback commands. Each variant
// carries exactly the fields its action needs, so validation happens once
// at the boundary instead of every consumer re-checking optional fields.
type Command interface {
	Action() Action
}

type Play struct {
	Position *float64
}

type Pause struct {
	Position *float64
}

type Seek struct {
	Position float64
}

type Restart struct{}

func (Play) Action() Action    { return ActionPlay }
func (Pause) Action() Action   { return ActionPause }
func (Seek) Action() Action    { return ActionSeek }
func (Restart) Action() Action { return ActionRestart }

// ParseCommand validates a raw action/position pair from the wire into a
// Command variant. Positions are rejected if negative; the upper bound is
// checked later against the active asset's duration, inside the write.
func ParseCommand(action string, position *float64) (Command, error) {
	if position != nil && *position < 0 {
		return nil, ErrInvalidPosition
	}
	switch Action(action) {
	case ActionPlay:
		return Play{Position: position}, nil
	case ActionPause:
		return Pause{Position: position}, nil
	case ActionSeek:
		if position == nil {
			return nil, ErrInvalidPosition
		}
		return Seek{Position: *position}, nil
	case ActionRestart:
		return Restart{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}

// NewCommandID generates an idempotency key for commands issued without
// one, so even uncooperative clients get distinguishable replays.
func NewCommandID(action Action, at time.Time) string {
	return fmt.Sprintf("%s-%d-%s", action, at.UnixMilli(), uuid.NewString()[:8])
}
