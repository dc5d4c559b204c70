package resolver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/roxyhall/projectionist/migrations"
)

func setupResolverDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	goose.SetBaseFS(migrations.GetMigrations())

	err = goose.SetDialect("sqlite3")
	require.NoError(t, err)

	err = goose.Up(db.DB, ".")
	require.NoError(t, err)

	return db
}

// fakeSigner stands in for the external signing service: every call
// hands out a fresh URL so tests can tell a re-sign from a cache hit.
func fakeSigner(t *testing.T, ttl time.Duration, calls *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			AssetID string `json:"asset_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"playback_url": fmt.Sprintf("https://cdn.example.test/%s?sig=%d", req.AssetID, *calls),
			"expires_at":   time.Now().Add(ttl).UTC(),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveSignsOnceAndServesFromCache(t *testing.T) {
	db := setupResolverDB(t)
	var calls int
	signer := fakeSigner(t, time.Hour, &calls)

	res := New(db, signer.URL, "test-key", 10*time.Minute)

	first, err := res.Resolve("movie-1")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, first.PlaybackURL, "movie-1")

	second, err := res.Resolve("movie-1")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a credential with comfortable validity is served from cache")
	assert.Equal(t, first.PlaybackURL, second.PlaybackURL)
}

func TestResolveRefreshesInsideWindow(t *testing.T) {
	db := setupResolverDB(t)
	var calls int
	signer := fakeSigner(t, time.Hour, &calls)

	res := New(db, signer.URL, "test-key", 10*time.Minute)

	// Seed a credential that is still valid but inside the window.
	_, err := db.Exec(`
	  INSERT INTO playback_tokens (asset_id, playback_url, expires_at, refreshed_at)
	  VALUES (?, ?, ?, ?)`,
		"movie-1", "https://cdn.example.test/movie-1?sig=stale",
		time.Now().Add(2*time.Minute).UTC(), time.Now().Add(-time.Hour).UTC())
	require.NoError(t, err)

	cred, err := res.Resolve("movie-1")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a credential near expiry is re-signed, not served stale")
	assert.NotContains(t, cred.PlaybackURL, "stale")
	assert.Greater(t, cred.ExpiresAt.Sub(time.Now()), 30*time.Minute)
}

func TestResolveSignerFailure(t *testing.T) {
	db := setupResolverDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	res := New(db, srv.URL, "test-key", 10*time.Minute)

	_, err := res.Resolve("movie-1")
	assert.ErrorIs(t, err, ErrUnavailable)

	// A signer we cannot even reach reports the same way.
	srv.Close()
	_, err = res.Resolve("movie-1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRefreshExpiringOnlyTouchesTheWindow(t *testing.T) {
	db := setupResolverDB(t)
	var calls int
	signer := fakeSigner(t, time.Hour, &calls)

	res := New(db, signer.URL, "test-key", 10*time.Minute)

	seed := func(id string, expiresIn time.Duration) {
		_, err := db.Exec(`
		  INSERT INTO playback_tokens (asset_id, playback_url, expires_at, refreshed_at)
		  VALUES (?, ?, ?, ?)`,
			id, "https://cdn.example.test/"+id,
			time.Now().Add(expiresIn).UTC(), time.Now().UTC())
		require.NoError(t, err)
	}
	seed("expiring", 3*time.Minute)
	seed("healthy", 2*time.Hour)

	refreshed, err := res.RefreshExpiring()
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)
	assert.Equal(t, 1, calls)

	var cred Credential
	require.NoError(t, db.Get(&cred, `SELECT * FROM playback_tokens WHERE asset_id = ?`, "expiring"))
	assert.Greater(t, cred.ExpiresAt.Sub(time.Now()), 30*time.Minute)
}

func TestSweepExpired(t *testing.T) {
	db := setupResolverDB(t)
	res := New(db, "http://unused", "test-key", 10*time.Minute)

	seed := func(id string, expiresIn time.Duration) {
		_, err := db.Exec(`
		  INSERT INTO playback_tokens (asset_id, playback_url, expires_at, refreshed_at)
		  VALUES (?, ?, ?, ?)`,
			id, "https://cdn.example.test/"+id,
			time.Now().Add(expiresIn).UTC(), time.Now().UTC())
		require.NoError(t, err)
	}
	seed("dead", -time.Minute)
	seed("live", time.Hour)

	swept, err := res.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	var remaining []string
	require.NoError(t, db.Select(&remaining, `SELECT asset_id FROM playback_tokens`))
	assert.Equal(t, []string{"live"}, remaining)
}
