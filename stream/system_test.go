package stream

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/roxyhall/projectionist/events"
	"github.com/roxyhall/projectionist/migrations"
)

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	goose.SetBaseFS(migrations.GetMigrations())

	err = goose.SetDialect("sqlite3")
	require.NoError(t, err)

	err = goose.Up(db.DB, ".")
	require.NoError(t, err)

	events.Init()

	return db
}

// testClock hands out strictly increasing timestamps so writes in the
// same test never collide on state_updated_at, while moving slowly
// enough that timed guards behave as if the calls were back to back.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time {
	c.t = c.t.Add(10 * time.Millisecond)
	return c.t
}

func setupTestSystem(t *testing.T) (*System, *testClock, *[]ChangeEvent) {
	t.Helper()

	db := setupTestDB(t)
	clock := &testClock{t: time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)}

	var published []ChangeEvent

	sys := NewSystem(db)
	sys.now = clock.now
	sys.onPublish = func(ev ChangeEvent) {
		published = append(published, ev)
	}
	require.NoError(t, sys.Preload())

	return sys, clock, &published
}

func registerTestAsset(t *testing.T, sys *System, id string, duration float64) {
	t.Helper()
	require.NoError(t, sys.RegisterAsset(Asset{
		ID:              id,
		Title:           "Asset " + id,
		Kind:            KindVOD,
		DurationSeconds: duration,
	}))
}

func floatPtr(v float64) *float64 {
	return &v
}

func TestApplyPlayPauseSeekRestart(t *testing.T) {
	sys, _, published := setupTestSystem(t)
	registerTestAsset(t, sys, "movie-1", 5400)

	_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Movie One", Kind: KindVOD, DurationSeconds: 5400})
	require.NoError(t, err)

	state, err := sys.Apply(Play{}, "c-play")
	require.NoError(t, err)
	assert.Equal(t, StatusPlaying, state.PlaybackStatus)
	assert.Equal(t, "play", state.LastCommand)
	assert.Equal(t, "c-play", state.LastCommandID)
	assert.Equal(t, int64(0), state.ElapsedMs)

	state, err = sys.Apply(Seek{Position: 120}, "c-seek")
	require.NoError(t, err)
	assert.Equal(t, 120.0, state.PositionSeconds)
	// Seek preserves whatever the playback status was.
	assert.Equal(t, StatusPlaying, state.PlaybackStatus)

	state, err = sys.Apply(Pause{Position: floatPtr(130)}, "c-pause")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, state.PlaybackStatus)
	assert.Equal(t, 130.0, state.PositionSeconds)

	state, err = sys.Apply(Restart{}, "c-restart")
	require.NoError(t, err)
	assert.Equal(t, StatusPlaying, state.PlaybackStatus)
	assert.Equal(t, 0.0, state.PositionSeconds)

	// set-asset, play, seek, pause, restart: one event per transition.
	assert.Len(t, *published, 5)
}

func TestApplyIdempotentReplay(t *testing.T) {
	sys, _, published := setupTestSystem(t)
	registerTestAsset(t, sys, "movie-1", 5400)

	_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Movie One"})
	require.NoError(t, err)

	first, err := sys.Apply(Seek{Position: 90}, "c1")
	require.NoError(t, err)
	eventsBefore := len(*published)

	replay, err := sys.Apply(Seek{Position: 90}, "c1")
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(first, replay))
	assert.Len(t, *published, eventsBefore, "replay must not fire another change event")
}

func TestRestartIsOneTransition(t *testing.T) {
	sys, _, published := setupTestSystem(t)
	registerTestAsset(t, sys, "movie-1", 5400)

	_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Movie One"})
	require.NoError(t, err)
	_, err = sys.Apply(Pause{Position: floatPtr(600)}, "c-pause")
	require.NoError(t, err)

	eventsBefore := len(*published)
	state, err := sys.Apply(Restart{}, "c-restart")
	require.NoError(t, err)

	assert.Equal(t, StatusPlaying, state.PlaybackStatus)
	assert.Equal(t, 0.0, state.PositionSeconds)
	assert.Len(t, *published, eventsBefore+1, "restart must be a single state transition")
}

func TestSeekValidation(t *testing.T) {
	sys, _, _ := setupTestSystem(t)
	registerTestAsset(t, sys, "movie-1", 300)

	_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Short", DurationSeconds: 300})
	require.NoError(t, err)

	_, err = sys.Apply(Seek{Position: 301}, "")
	assert.ErrorIs(t, err, ErrPositionExceedsDuration)

	// Live assets have no known duration; any position goes through.
	require.NoError(t, sys.RegisterAsset(Asset{ID: "live-1", Title: "Live", Kind: KindLive}))
	_, err = sys.SetCurrentAsset(Asset{ID: "live-1", Title: "Live", Kind: KindLive})
	require.NoError(t, err)
	_, err = sys.Apply(Seek{Position: 99999}, "")
	assert.NoError(t, err)

	_, err = ParseCommand("seek", floatPtr(-1))
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, err = ParseCommand("rewind", nil)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

// Writes that only touch metadata must leave every playback field alone,
// because followers treat any change to them as "something moved".
func TestMetadataWritesLeavePlaybackFieldsUntouched(t *testing.T) {
	sys, _, _ := setupTestSystem(t)
	registerTestAsset(t, sys, "movie-1", 5400)
	registerTestAsset(t, sys, "filler", 30)

	_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Movie One", DurationSeconds: 5400})
	require.NoError(t, err)
	before, err := sys.Apply(Play{Position: floatPtr(42.5)}, "c1")
	require.NoError(t, err)

	metadataWrites := []func() (StreamState, error){
		func() (StreamState, error) { return sys.SetShowPoster(true) },
		func() (StreamState, error) { return sys.SetShowPoster(false) },
		func() (StreamState, error) { return sys.SetAutoAdvance(true) },
		func() (StreamState, error) { return sys.SetHoldScreenItem("filler") },
		func() (StreamState, error) { return sys.SetUpdatedBy("admin@example.com") },
		func() (StreamState, error) { return sys.SetAutoAdvance(false) },
	}

	for i, write := range metadataWrites {
		after, err := write()
		require.NoError(t, err, "metadata write %d", i)
		assert.Equal(t, before.PlaybackStatus, after.PlaybackStatus, "write %d changed status", i)
		assert.Equal(t, before.PositionSeconds, after.PositionSeconds, "write %d changed position", i)
		assert.True(t, before.StateUpdatedAt.Equal(after.StateUpdatedAt), "write %d changed state_updated_at", i)
		assert.Equal(t, before.ElapsedMs, after.ElapsedMs, "write %d changed elapsed_ms", i)
	}
}

func TestHoldScreenRoundTrip(t *testing.T) {
	preStates := []struct {
		name     string
		status   Status
		position float64
	}{
		{"playing mid-stream", StatusPlaying, 1234.5},
		{"paused at start", StatusPaused, 0},
		{"paused mid-stream", StatusPaused, 88.25},
	}

	for _, tc := range preStates {
		t.Run(tc.name, func(t *testing.T) {
			sys, _, _ := setupTestSystem(t)
			registerTestAsset(t, sys, "movie-1", 5400)
			registerTestAsset(t, sys, "filler", 30)

			_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Movie One", DurationSeconds: 5400})
			require.NoError(t, err)
			_, err = sys.SetHoldScreenItem("filler")
			require.NoError(t, err)

			var cmd Command
			if tc.status == StatusPlaying {
				cmd = Play{Position: floatPtr(tc.position)}
			} else {
				cmd = Pause{Position: floatPtr(tc.position)}
			}
			before, err := sys.Apply(cmd, "")
			require.NoError(t, err)

			held, err := sys.EnableHoldScreen()
			require.NoError(t, err)
			assert.True(t, held.HoldScreenEnabled)
			assert.Equal(t, "filler", held.AssetID)
			assert.Equal(t, StatusPaused, held.PlaybackStatus)
			require.NotNil(t, held.Resume())
			assert.Equal(t, before.AssetID, held.Resume().AssetID)
			assert.Equal(t, before.PositionSeconds, held.Resume().Position)
			assert.Equal(t, before.PlaybackStatus, held.Resume().Status)

			restored, err := sys.DisableHoldScreen()
			require.NoError(t, err)
			assert.Nil(t, restored.Resume())

			diff := cmp.Diff(before, restored, cmpopts.IgnoreFields(StreamState{},
				"StateUpdatedAt", "ElapsedMs", "LastCommand", "LastCommandID",
				"ResumeAssetID", "ResumePosition", "ResumeStatus"))
			assert.Empty(t, diff, "hold screen round trip must restore the pre-hold state")
		})
	}
}

func TestHoldScreenRequiresConfiguredItem(t *testing.T) {
	sys, _, published := setupTestSystem(t)
	registerTestAsset(t, sys, "movie-1", 5400)

	_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Movie One"})
	require.NoError(t, err)
	eventsBefore := len(*published)

	_, err = sys.EnableHoldScreen()
	assert.ErrorIs(t, err, ErrNoHoldScreen)
	assert.Len(t, *published, eventsBefore, "a rejected toggle must not notify followers")
}

func TestHoldScreenEnableIsIdempotent(t *testing.T) {
	sys, _, _ := setupTestSystem(t)
	registerTestAsset(t, sys, "movie-1", 5400)
	registerTestAsset(t, sys, "filler", 30)

	_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Movie One"})
	require.NoError(t, err)
	_, err = sys.SetHoldScreenItem("filler")
	require.NoError(t, err)
	_, err = sys.Apply(Play{Position: floatPtr(77)}, "")
	require.NoError(t, err)

	first, err := sys.EnableHoldScreen()
	require.NoError(t, err)

	// A retried enable must not overwrite the captured resume point with
	// the hold screen's own state.
	second, err := sys.EnableHoldScreen()
	require.NoError(t, err)
	assert.Equal(t, first.ResumeAssetID, second.ResumeAssetID)
	assert.Equal(t, first.ResumePosition, second.ResumePosition)

	restored, err := sys.DisableHoldScreen()
	require.NoError(t, err)
	assert.Equal(t, "movie-1", restored.AssetID)
	assert.Equal(t, 77.0, restored.PositionSeconds)
	assert.Equal(t, StatusPlaying, restored.PlaybackStatus)
}

func TestDeleteAssetInUse(t *testing.T) {
	sys, _, _ := setupTestSystem(t)
	registerTestAsset(t, sys, "movie-1", 5400)
	registerTestAsset(t, sys, "movie-2", 5400)

	_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Movie One"})
	require.NoError(t, err)
	_, err = sys.Enqueue("movie-2")
	require.NoError(t, err)

	assert.ErrorIs(t, sys.DeleteAsset("movie-1"), ErrAssetInUse)
	assert.ErrorIs(t, sys.DeleteAsset("movie-2"), ErrAssetInUse)
	assert.ErrorIs(t, sys.DeleteAsset("never-registered"), ErrUnknownAsset)

	registerTestAsset(t, sys, "unused", 10)
	assert.NoError(t, sys.DeleteAsset("unused"))
}

func TestCurrentComputesLiveElapsed(t *testing.T) {
	sys, _, _ := setupTestSystem(t)
	registerTestAsset(t, sys, "movie-1", 5400)

	_, err := sys.SetCurrentAsset(Asset{ID: "movie-1", Title: "Movie One"})
	require.NoError(t, err)
	_, err = sys.Apply(Play{Position: floatPtr(100)}, "")
	require.NoError(t, err)

	// Each clock read moves time forward, so elapsed grows between reads
	// without any wall time passing in the test.
	first := sys.Current()
	second := sys.Current()
	assert.Greater(t, second.ElapsedMs, first.ElapsedMs)
	assert.Equal(t, 100.0, second.PositionSeconds, "position itself is only moved by writes")

	_, err = sys.Apply(Pause{}, "")
	require.NoError(t, err)
	paused := sys.Current()
	assert.Equal(t, int64(0), paused.ElapsedMs, "elapsed does not run while paused")
}
