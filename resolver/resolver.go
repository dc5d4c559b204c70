// Package resolver turns opaque asset ids into time-boxed signed playback
// credentials by calling the external media signer. Credentials are cached
// in the playback_tokens table and refreshed proactively before expiry so
// viewers never watch a token die mid-stream.
package resolver

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roxyhall/projectionist/utils"
)

// ErrUnavailable wraps any failure to reach the signer. The HTTP layer
// maps it to 503 so viewers know to retry rather than give up.
var ErrUnavailable = errors.New("playback signer is unavailable")

// Credential is a signed, expiring grant for one asset.
type Credential struct {
	AssetID     string    `db:"asset_id" json:"asset_id"`
	PlaybackURL string    `db:"playback_url" json:"playback_url"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
	RefreshedAt time.Time `db:"refreshed_at" json:"-"`
}

// NeedsRefresh reports whether the credential's remaining validity has
// dipped inside the proactive refresh window.
func (c Credential) NeedsRefresh(now time.Time, window time.Duration) bool {
	return c.ExpiresAt.Sub(now) < window
}

type Resolver struct {
	db            *sqlx.DB
	endpoint      string
	apiKey        string
	refreshWindow time.Duration
	client        *http.Client
	now           func() time.Time
}

func New(db *sqlx.DB, endpoint, apiKey string, refreshWindow time.Duration) *Resolver {
	return &Resolver{
		db:            db,
		endpoint:      endpoint,
		apiKey:        apiKey,
		refreshWindow: refreshWindow,
		client:        utils.NewHTTPClient(),
		now:           time.Now,
	}
}

// Resolve returns a credential for the asset, reusing the cached one
// while it still has comfortable validity left.
func (r *Resolver) Resolve(assetID string) (Credential, error) {
	var cred Credential
	err := r.db.Get(&cred, `SELECT * FROM playback_tokens WHERE asset_id = ?`, assetID)
	if err == nil && !cred.NeedsRefresh(r.now(), r.refreshWindow) {
		return cred, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return cred, err
	}
	return r.refresh(assetID)
}

type signRequest struct {
	AssetID string `json:"asset_id"`
}

type signResponse struct {
	PlaybackURL string    `json:"playback_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (r *Resolver) refresh(assetID string) (Credential, error) {
	var cred Credential

	payload, err := json.Marshal(signRequest{AssetID: assetID})
	if err != nil {
		return cred, err
	}

	req, err := http.NewRequest("POST", r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return cred, err
	}
	req.Header = http.Header{
		"Accept":        []string{"application/json"},
		"Content-Type":  []string{"application/json"},
		"Authorization": []string{fmt.Sprintf("Bearer %s", r.apiKey)},
	}

	res, err := r.client.Do(req)
	if err != nil {
		return cred, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return cred, fmt.Errorf("%w: signer returned status %d", ErrUnavailable, res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return cred, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var signed signResponse
	if err := json.Unmarshal(body, &signed); err != nil {
		return cred, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	cred = Credential{
		AssetID:     assetID,
		PlaybackURL: signed.PlaybackURL,
		ExpiresAt:   signed.ExpiresAt,
		RefreshedAt: r.now(),
	}
	_, err = r.db.NamedExec(`
	  INSERT INTO playback_tokens (asset_id, playback_url, expires_at, refreshed_at)
	  VALUES (:asset_id, :playback_url, :expires_at, :refreshed_at)
	  ON CONFLICT (asset_id) DO UPDATE SET
	    playback_url = excluded.playback_url,
	    expires_at = excluded.expires_at,
	    refreshed_at = excluded.refreshed_at`, cred)
	if err != nil {
		return cred, err
	}

	slog.Debug("Refreshed playback credential",
		slog.String("asset_id", assetID),
		slog.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

// RefreshExpiring re-signs every cached credential whose remaining
// validity has entered the refresh window. Returns how many were
// refreshed; the first signer failure aborts the sweep.
func (r *Resolver) RefreshExpiring() (int, error) {
	var ids []string
	cutoff := r.now().Add(r.refreshWindow)
	if err := r.db.Select(&ids, `SELECT asset_id FROM playback_tokens WHERE expires_at < ?`, cutoff); err != nil {
		return 0, err
	}
	for i, id := range ids {
		if _, err := r.refresh(id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// SweepExpired drops credentials that are already dead. They would be
// re-signed on demand anyway; this just keeps the table from growing.
func (r *Resolver) SweepExpired() (int64, error) {
	res, err := r.db.Exec(`DELETE FROM playback_tokens WHERE expires_at < ?`, r.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
