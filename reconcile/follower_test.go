package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// coordinatorStub serves just enough of the read surface for a follower:
// the poll endpoint plus a count of how often it was hit.
func coordinatorStub(t *testing.T, snap *Snapshot, polls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/playing", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(polls, 1)
		if snap == nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "no active asset"})
			return
		}
		json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		// Keep the subscription pending so the poll loop stays in its
		// degraded cadence for the duration of the test.
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestFollowerConvergesViaPollFallback(t *testing.T) {
	var polls int32
	snap := &Snapshot{
		AssetID:   "movie-1",
		Status:    StatusPaused,
		Position:  90,
		ElapsedMs: int64Ptr(0),
		UpdatedAt: time.Now(),
	}
	srv := coordinatorStub(t, snap, &polls)

	player := &fakePlayer{}
	rec := New(player, Options{})
	follower := NewFollower(srv.URL, rec, FollowerOptions{
		PollHealthy:  10 * time.Millisecond,
		PollDegraded: 10 * time.Millisecond,
	})
	follower.Start(context.Background())
	defer follower.Close()

	waitFor(t, 2*time.Second, func() bool { return player.seekCount() > 0 })
	assert.InDelta(t, 90, player.lastSeek(), 0.5)
	assert.False(t, follower.Healthy(), "no realtime delivery yet")
}

func TestFollowerSkipsPollWhenNothingIsPlaying(t *testing.T) {
	var polls int32
	srv := coordinatorStub(t, nil, &polls)

	player := &fakePlayer{}
	rec := New(player, Options{})
	follower := NewFollower(srv.URL, rec, FollowerOptions{
		PollHealthy:  10 * time.Millisecond,
		PollDegraded: 10 * time.Millisecond,
	})
	follower.Start(context.Background())
	defer follower.Close()

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&polls) >= 2 })
	assert.Equal(t, 0, player.seekCount(), "a 404 poll response is not an error and not a snapshot")
	assert.False(t, rec.Degraded())
}

func TestFollowerWakeUpForcesImmediatePass(t *testing.T) {
	var polls int32
	snap := &Snapshot{
		AssetID:   "movie-1",
		Status:    StatusPaused,
		Position:  90,
		ElapsedMs: int64Ptr(0),
		UpdatedAt: time.Now(),
	}
	srv := coordinatorStub(t, snap, &polls)

	player := &fakePlayer{}
	rec := New(player, Options{})
	follower := NewFollower(srv.URL, rec, FollowerOptions{
		// Long intervals: only WakeUp can trigger a pass in this test.
		PollHealthy:  time.Hour,
		PollDegraded: time.Hour,
	})
	follower.Start(context.Background())
	defer follower.Close()

	follower.WakeUp()
	waitFor(t, 2*time.Second, func() bool { return player.seekCount() == 1 })

	// Waking again replays an identical snapshot, but the forced pass
	// bypasses duplicate suppression so drift is corrected anyway.
	player.mu.Lock()
	player.position = 40
	player.mu.Unlock()
	follower.WakeUp()
	waitFor(t, 2*time.Second, func() bool { return player.seekCount() == 2 })
	assert.InDelta(t, 90, player.lastSeek(), 0.5)
}

func TestFollowerCloseIsIdempotent(t *testing.T) {
	var polls int32
	srv := coordinatorStub(t, nil, &polls)

	rec := New(&fakePlayer{}, Options{})
	follower := NewFollower(srv.URL, rec, FollowerOptions{})
	follower.Start(context.Background())

	follower.Close()
	follower.Close()
	require.NotPanics(t, follower.Close)
}
