package stream

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// The hold screen is a two-state machine: Normal and Hold. Enabling it
// swaps a looping filler asset in and snapshots the state being replaced;
// disabling restores that snapshot exactly. Both transitions are single
// atomic writes that flow through the ordinary change feed.

// SetHoldScreenItem configures which asset loops while on hold. It never
// toggles the hold screen itself and is a metadata-only write.
func (s *System) SetHoldScreenItem(assetID string) (StreamState, error) {
	commandID := NewCommandID("set-hold-item", s.now())
	return s.mutate(func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error) {
		var exists int
		err := tx.Get(&exists, `SELECT COUNT(*) FROM assets WHERE id = ?`, assetID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return cur, "", err
		}
		if exists == 0 {
			return cur, "", ErrUnknownAsset
		}
		next := cur
		next.HoldScreenAssetID = assetID
		return next, commandID, nil
	})
}

// EnableHoldScreen captures the pre-hold state and swaps the filler in.
// Enabling while already on hold is a no-op rather than an error so a
// retried toggle cannot clobber the captured resume point.
func (s *System) EnableHoldScreen() (StreamState, error) {
	commandID := NewCommandID("hold-on", s.now())
	return s.mutate(func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error) {
		if cur.HoldScreenEnabled {
			return cur, commandID, nil
		}
		if cur.HoldScreenAssetID == "" {
			return cur, "", ErrNoHoldScreen
		}

		var asset Asset
		if err := tx.Get(&asset, `SELECT * FROM assets WHERE id = ?`, cur.HoldScreenAssetID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return cur, "", ErrNoHoldScreen
			}
			return cur, "", err
		}

		next := cur
		next.HoldScreenEnabled = true
		next.ResumeAssetID = cur.AssetID
		next.ResumePosition = cur.PositionSeconds
		next.ResumeStatus = string(cur.PlaybackStatus)
		next.AssetID = asset.ID
		next.Title = asset.Title
		next.AssetKind = asset.Kind
		// The viewer-side loop is driven by the asset's own loop flag, so
		// the position is left alone and playback is simply paused.
		next.PlaybackStatus = StatusPaused
		next.LastCommand = "hold-on"
		next.LastCommandID = commandID
		s.touchPlayback(&next)
		return next, commandID, nil
	})
}

// DisableHoldScreen restores the captured pre-hold state and clears the
// snapshot. If the snapshot is somehow missing we keep the current asset
// and fall back to paused rather than failing the toggle.
func (s *System) DisableHoldScreen() (StreamState, error) {
	commandID := NewCommandID("hold-off", s.now())
	return s.mutate(func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error) {
		if !cur.HoldScreenEnabled {
			return cur, commandID, nil
		}

		next := cur
		next.HoldScreenEnabled = false
		if cur.ResumeAssetID != "" {
			var asset Asset
			err := tx.Get(&asset, `SELECT * FROM assets WHERE id = ?`, cur.ResumeAssetID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return cur, "", err
			}
			if err == nil {
				next.Title = asset.Title
				next.AssetKind = asset.Kind
			}
			next.AssetID = cur.ResumeAssetID
			next.PositionSeconds = cur.ResumePosition
			next.PlaybackStatus = Status(cur.ResumeStatus)
		} else {
			next.PlaybackStatus = StatusPaused
		}
		next.ResumeAssetID = ""
		next.ResumePosition = 0
		next.ResumeStatus = ""
		next.LastCommand = "hold-off"
		next.LastCommandID = commandID
		s.touchPlayback(&next)
		return next, commandID, nil
	})
}
