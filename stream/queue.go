package stream

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// advanceGuardWindow is how long the ended-event handler refuses to
// re-enter after an advance. Duplicate DOM events and retried webhook
// deliveries routinely arrive within a second of each other.
const advanceGuardWindow = 2 * time.Second

// Enqueue appends an asset to the end of the queue.
func (s *System) Enqueue(assetID string) (QueueEntry, error) {
	var entry QueueEntry

	tx, err := s.db.Beginx()
	if err != nil {
		return entry, err
	}
	var committed bool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var title string
	if err := tx.Get(&title, `SELECT title FROM assets WHERE id = ?`, assetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entry, ErrUnknownAsset
		}
		return entry, err
	}

	var next int
	if err := tx.Get(&next, `SELECT COALESCE(MAX(position), 0) + 1 FROM queue_entries`); err != nil {
		return entry, err
	}

	res, err := tx.Exec(`INSERT INTO queue_entries (asset_id, position, created_at) VALUES (?, ?, ?)`,
		assetID, next, s.now())
	if err != nil {
		return entry, fmt.Errorf("failed to enqueue: %w", err)
	}
	id, _ := res.LastInsertId()

	if err = tx.Commit(); err != nil {
		return entry, err
	}
	committed = true

	return QueueEntry{ID: id, AssetID: assetID, Position: next, Title: title}, nil
}

// ListQueue returns the queue in playback order.
func (s *System) ListQueue() ([]QueueEntry, error) {
	entries := []QueueEntry{}
	err := s.db.Select(&entries, `
	  SELECT q.id, q.asset_id, q.position, a.title
	  FROM queue_entries q
	  JOIN assets a ON a.id = q.asset_id
	  ORDER BY q.position ASC`)
	return entries, err
}

// Dequeue removes one entry and closes the gap it leaves behind.
func (s *System) Dequeue(entryID int64) error {
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

	res, err := tx.Exec(`DELETE FROM queue_entries WHERE id = ?`, entryID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownAsset
	}
	if err := resequence(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Reorder rewrites queue positions to match the given entry id order.
// The ids must be exactly the current queue, or the call is rejected.
func (s *System) Reorder(entryIDs []int64) error {
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

	var existing []int64
	if err := tx.Select(&existing, `SELECT id FROM queue_entries ORDER BY position ASC`); err != nil {
		return err
	}
	if len(existing) != len(entryIDs) {
		return fmt.Errorf("%w: reorder must include every queue entry", ErrInvalidAction)
	}
	seen := make(map[int64]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range entryIDs {
		if !seen[id] {
			return fmt.Errorf("%w: unknown queue entry %d", ErrInvalidAction, id)
		}
		delete(seen, id)
	}

	for i, id := range entryIDs {
		if _, err := tx.Exec(`UPDATE queue_entries SET position = ? WHERE id = ?`, i+1, id); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// resequence rewrites surviving positions to a dense 1..N ordering. Runs
// inside the caller's transaction so a pop and its renumbering land
// together or not at all.
func resequence(tx *sqlx.Tx) error {
	var ids []int64
	if err := tx.Select(&ids, `SELECT id FROM queue_entries ORDER BY position ASC`); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.Exec(`UPDATE queue_entries SET position = ? WHERE id = ?`, i+1, id); err != nil {
			return fmt.Errorf("failed to resequence queue: %w", err)
		}
	}
	return nil
}

// Advance pops the head of the queue and re-points the stream at it,
// playing from zero. Pop, state write and resequence share a transaction
// so concurrent callers can never double-advance or lose an entry.
func (s *System) Advance() (StreamState, error) {
	commandID := NewCommandID("advance", s.now())

	return s.mutate(func(tx *sqlx.Tx, cur StreamState) (StreamState, string, error) {
		var head struct {
			ID      int64  `db:"id"`
			AssetID string `db:"asset_id"`
		}
		err := tx.Get(&head, `SELECT id, asset_id FROM queue_entries ORDER BY position ASC LIMIT 1`)
		if errors.Is(err, sql.ErrNoRows) {
			return cur, "", ErrEmptyQueue
		}
		if err != nil {
			return cur, "", err
		}

		var asset Asset
		if err := tx.Get(&asset, `SELECT * FROM assets WHERE id = ?`, head.AssetID); err != nil {
			return cur, "", fmt.Errorf("failed to load queued asset: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM queue_entries WHERE id = ?`, head.ID); err != nil {
			return cur, "", err
		}
		if err := resequence(tx); err != nil {
			return cur, "", err
		}

		next := cur
		next.AssetID = asset.ID
		next.Title = asset.Title
		next.AssetKind = asset.Kind
		next.PlaybackStatus = StatusPlaying
		next.PositionSeconds = 0
		next.LastCommand = "advance"
		next.LastCommandID = commandID
		s.touchPlayback(&next)
		return next, commandID, nil
	})
}

// HandleEnded reacts to the external video-ended event. It is the one
// entry point with an explicit re-entry guard: slow duplicate deliveries
// of the same ended event must not advance the queue twice. When the
// queue is empty it falls back to the hold screen if one is configured,
// otherwise it does nothing.
func (s *System) HandleEnded() (StreamState, error) {
	cur := s.Current()
	if !cur.AutoAdvance {
		slog.Debug("Ignoring ended event, auto advance disabled")
		return cur, nil
	}

	s.advanceMu.Lock()
	now := s.now()
	if now.Before(s.advanceNotBefore) {
		s.advanceMu.Unlock()
		slog.Info("Ignoring duplicate ended event inside guard window")
		return cur, nil
	}
	s.advanceNotBefore = now.Add(advanceGuardWindow)
	s.advanceMu.Unlock()

	next, err := s.Advance()
	if errors.Is(err, ErrEmptyQueue) {
		if cur.HoldScreenAssetID == "" {
			slog.Info("Queue empty on ended event, nothing to do")
			return cur, nil
		}
		slog.Info("Queue empty on ended event, falling back to hold screen")
		return s.EnableHoldScreen()
	}
	return next, err
}
