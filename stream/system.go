package stream

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"
	"github.com/r3labs/sse/v2"

	"github.com/roxyhall/projectionist/events"
)

// System owns every mutation of the authoritative stream state. All
// writers (playback commands, the queue advancer, the hold screen
// controller) funnel through it, so each change is a single transaction
// followed by at most one change event.
type System struct {
	db    *sqlx.DB
	now   func() time.Time
	m     sync.RWMutex
	state StreamState

	// onPublish, when set, observes every change event that goes out.
	onPublish func(ChangeEvent)

	advanceMu        sync.Mutex
	advanceNotBefore time.Time
}

// ChangeEvent is what goes out on the SSE stream: full before and after
// row images plus the command id that caused the write, so the issuing
// client can recognise its own echo with an exact match.
type ChangeEvent struct {
	Before    StreamState `json:"before"`
	After     StreamState `json:"after"`
	CommandID string      `json:"command_id,omitempty"`
}

func NewSystem(db *sqlx.DB) *System {
	return &System{
		db:  db,
		now: time.Now,
	}
}

// Preload hydrates the in-memory snapshot from the database, typically
// right after a deploy or crash so reads don't start from a zero value.
func (s *System) Preload() error {
	var st StreamState
	if err := s.db.Get(&st, `SELECT * FROM stream_state WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to preload stream state: %w", err)
	}
	s.m.Lock()
	s.state = st
	s.m.Unlock()
	return nil
}

// Current returns the latest state with ElapsedMs recomputed server-side,
// so polling clients never have to trust their own clocks against ours.
func (s *System) Current() StreamState {
	s.m.RLock()
	st := s.state
	s.m.RUnlock()
	if st.PlaybackStatus == StatusPlaying {
		st.ElapsedMs = s.now().Sub(st.StateUpdatedAt).Milliseconds()
		if st.ElapsedMs < 0 {
			st.ElapsedMs = 0
		}
	}
	return st
}

// fingerprint collapses the whole row into a single hash so we can tell
// whether a write actually changed anything before notifying followers.
func fingerprint(st StreamState) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s|%s|%s|%s|%.4f|%d|%d|%s|%s|%t|%t|%s|%s|%.4f|%s|%t|%s",
		st.AssetID, st.Title, st.AssetKind, st.PlaybackStatus,
		st.PositionSeconds, st.StateUpdatedAt.UnixMilli(), st.ElapsedMs,
		st.LastCommand, st.LastCommandID, st.AutoAdvance,
		st.HoldScreenEnabled, st.HoldScreenAssetID,
		st.ResumeAssetID, st.ResumePosition, st.ResumeStatus,
		st.ShowPoster, st.UpdatedBy,
	))
}

// mutate runs fn against the current row inside a transaction and, if the
// row actually changed, persists it and publishes exactly one change
// event. fn may also touch other tables (queue, assets) through tx so the
// whole mutation commits or rolls back together.
func (s *System) mutate(fn func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error)) (StreamState, error) {
	s.m.Lock()
	defer s.m.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return StreamState{}, err
	}

	var committed bool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var cur StreamState
	if err := tx.Get(&cur, `SELECT * FROM stream_state WHERE id = 1`); err != nil {
		return StreamState{}, fmt.Errorf("failed to read stream state: %w", err)
	}

	next, commandID, err := fn(tx, cur)
	if err != nil {
		return cur, err
	}

	changed := fingerprint(next) != fingerprint(cur)
	if changed {
		next.ID = 1
		_, err = tx.NamedExec(`
		  UPDATE stream_state SET
		    asset_id = :asset_id, title = :title, asset_kind = :asset_kind,
		    playback_status = :playback_status, position_seconds = :position_seconds,
		    state_updated_at = :state_updated_at, elapsed_ms = :elapsed_ms,
		    last_command = :last_command, last_command_id = :last_command_id,
		    auto_advance = :auto_advance,
		    hold_screen_enabled = :hold_screen_enabled,
		    hold_screen_asset_id = :hold_screen_asset_id,
		    resume_asset_id = :resume_asset_id, resume_position = :resume_position,
		    resume_status = :resume_status,
		    show_poster = :show_poster, updated_by = :updated_by
		  WHERE id = 1`, next)
		if err != nil {
			return cur, fmt.Errorf("failed to write stream state: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return cur, err
	}
	committed = true

	s.state = next

	if changed {
		s.publish(cur, next, commandID)
	}
	return next, nil
}

func (s *System) publish(before, after StreamState, commandID string) {
	if s.onPublish != nil {
		s.onPublish(ChangeEvent{Before: before, After: after, CommandID: commandID})
	}
	if events.Server == nil {
		return
	}
	payload, err := json.Marshal(ChangeEvent{Before: before, After: after, CommandID: commandID})
	if err != nil {
		slog.Error("Failed to encode change event", slog.Any("error", err))
		return
	}
	events.Server.Publish(events.StreamName, &sse.Event{Data: payload})
	slog.Debug("Published state change",
		slog.String("command_id", commandID),
		slog.String("status", string(after.PlaybackStatus)),
		slog.Float64("position", after.PositionSeconds))
}

// Apply runs one host playback command against the state. Replaying a
// command id that was already applied is a no-op that returns the current
// state, which is what makes network-level retries safe.
func (s *System) Apply(cmd Command, commandID string) (StreamState, error) {
	if commandID == "" {
		commandID = NewCommandID(cmd.Action(), s.now())
	}

	return s.mutate(func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error) {
		if cur.LastCommandID != "" && cur.LastCommandID == commandID {
			return cur, commandID, nil
		}

		next := cur
		switch c := cmd.(type) {
		case Play:
			next.PlaybackStatus = StatusPlaying
			if c.Position != nil {
				next.PositionSeconds = *c.Position
			}
		case Pause:
			next.PlaybackStatus = StatusPaused
			if c.Position != nil {
				next.PositionSeconds = *c.Position
			}
		case Seek:
			duration, err := assetDuration(tx, cur.AssetID)
			if err != nil {
				return cur, "", err
			}
			if duration > 0 && c.Position > duration {
				return cur, "", ErrPositionExceedsDuration
			}
			next.PositionSeconds = c.Position
		case Restart:
			// A single transition for "seek 0 + play" so followers only
			// ever see one change event for it.
			next.PositionSeconds = 0
			next.PlaybackStatus = StatusPlaying
		default:
			return cur, "", ErrInvalidAction
		}

		next.LastCommand = string(cmd.Action())
		next.LastCommandID = commandID
		s.touchPlayback(&next)
		return next, commandID, nil
	})
}

// touchPlayback stamps a playback-affecting write. ElapsedMs always moves
// together with StateUpdatedAt and never on metadata-only writes.
func (s *System) touchPlayback(st *StreamState) {
	st.StateUpdatedAt = s.now()
	st.ElapsedMs = 0
}

func assetDuration(tx *sqlx.Tx, assetID string) (float64, error) {
	if assetID == "" {
		return 0, nil
	}
	var duration float64
	err := tx.Get(&duration, `SELECT duration_seconds FROM assets WHERE id = ?`, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return duration, err
}

// SetCurrentAsset registers (or refreshes) an asset and points the stream
// at it, paused at zero, ready for the host to hit play.
func (s *System) SetCurrentAsset(asset Asset) (StreamState, error) {
	if asset.ID == "" {
		return s.Current(), ErrUnknownAsset
	}
	if asset.Kind == "" {
		asset.Kind = KindVOD
	}
	commandID := NewCommandID("set-asset", s.now())

	return s.mutate(func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error) {
		if err := upsertAsset(tx, asset, s.now()); err != nil {
			return cur, "", err
		}
		next := cur
		next.AssetID = asset.ID
		next.Title = asset.Title
		next.AssetKind = asset.Kind
		next.PlaybackStatus = StatusPaused
		next.PositionSeconds = 0
		next.LastCommand = "set-asset"
		next.LastCommandID = commandID
		s.touchPlayback(&next)
		return next, commandID, nil
	})
}

func upsertAsset(tx *sqlx.Tx, asset Asset, now time.Time) error {
	_, err := tx.Exec(`
	  INSERT INTO assets (id, title, kind, duration_seconds, loop_playback, created_at)
	  VALUES (?, ?, ?, ?, ?, ?)
	  ON CONFLICT (id) DO UPDATE SET
	    title = excluded.title,
	    kind = excluded.kind,
	    duration_seconds = excluded.duration_seconds,
	    loop_playback = excluded.loop_playback`,
		asset.ID, asset.Title, asset.Kind, asset.DurationSeconds, asset.LoopPlayback, now)
	if err != nil {
		return fmt.Errorf("failed to upsert asset: %w", err)
	}
	return nil
}

// RegisterAsset stores an asset without touching playback state.
func (s *System) RegisterAsset(asset Asset) error {
	if asset.ID == "" {
		return ErrUnknownAsset
	}
	if asset.Kind == "" {
		asset.Kind = KindVOD
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	var committed bool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()
	if err := upsertAsset(tx, asset, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *System) GetAsset(id string) (Asset, error) {
	var asset Asset
	err := s.db.Get(&asset, `SELECT * FROM assets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return asset, ErrUnknownAsset
	}
	return asset, err
}

// DeleteAsset refuses to remove an asset that is currently selected,
// queued, or configured as the hold screen item.
func (s *System) DeleteAsset(id string) error {
	s.m.RLock()
	cur := s.state
	s.m.RUnlock()
	if cur.AssetID == id || cur.HoldScreenAssetID == id || cur.ResumeAssetID == id {
		return ErrAssetInUse
	}
	var queued int
	if err := s.db.Get(&queued, `SELECT COUNT(*) FROM queue_entries WHERE asset_id = ?`, id); err != nil {
		return err
	}
	if queued > 0 {
		return ErrAssetInUse
	}
	res, err := s.db.Exec(`DELETE FROM assets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownAsset
	}
	return nil
}

// SetShowPoster is a metadata-only write: playback fields are untouched
// so followers do not mistake it for movement.
func (s *System) SetShowPoster(show bool) (StreamState, error) {
	commandID := NewCommandID("set-poster", s.now())
	return s.mutate(func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error) {
		next := cur
		next.ShowPoster = show
		return next, commandID, nil
	})
}

// SetAutoAdvance is a metadata-only write.
func (s *System) SetAutoAdvance(enabled bool) (StreamState, error) {
	commandID := NewCommandID("set-autoadvance", s.now())
	return s.mutate(func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error) {
		next := cur
		next.AutoAdvance = enabled
		return next, commandID, nil
	})
}

// SetUpdatedBy records which admin identity last touched the stream.
// Metadata-only by definition.
func (s *System) SetUpdatedBy(who string) (StreamState, error) {
	commandID := NewCommandID("set-updated-by", s.now())
	return s.mutate(func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error) {
		next := cur
		next.UpdatedBy = who
		return next, commandID, nil
	})
}
