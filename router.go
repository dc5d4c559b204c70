package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	hmacext "github.com/alexellis/hmac/v2"
	"github.com/rs/cors"

	"github.com/roxyhall/projectionist/config"
	"github.com/roxyhall/projectionist/events"
	"github.com/roxyhall/projectionist/resolver"
	"github.com/roxyhall/projectionist/stream"
)

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func renderError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, stream.ErrInvalidAction),
		errors.Is(err, stream.ErrInvalidPosition),
		errors.Is(err, stream.ErrPositionExceedsDuration):
		status = http.StatusBadRequest
	case errors.Is(err, stream.ErrNoHoldScreen),
		errors.Is(err, stream.ErrAssetInUse):
		status = http.StatusConflict
	case errors.Is(err, stream.ErrEmptyQueue),
		errors.Is(err, stream.ErrUnknownAsset),
		errors.Is(err, stream.ErrNoActiveAsset):
		status = http.StatusNotFound
	case errors.Is(err, resolver.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", slog.Any("error", err))
	}
	renderJSON(w, status, map[string]string{"error": err.Error()})
}

// requireHost gates the command surface behind the host's bearer token.
// There is exactly one writer in this design; everyone else reads.
func requireHost(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if token == "" || auth != fmt.Sprintf("Bearer %s", token) {
			renderJSON(w, http.StatusUnauthorized, map[string]string{"error": "host credential required"})
			return
		}
		next(w, r)
	}
}

// noCache marks responses that are polled: an intermediary caching the
// playback position would defeat the whole poll fallback.
func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

type controlRequest struct {
	Action    string   `json:"action"`
	Position  *float64 `json:"position,omitempty"`
	CommandID string   `json:"command_id,omitempty"`
}

type assetRequest struct {
	AssetID         string  `json:"asset_id"`
	Title           string  `json:"title"`
	Kind            string  `json:"kind"`
	DurationSeconds float64 `json:"duration_seconds"`
	LoopPlayback    bool    `json:"loop_playback"`
}

type enqueueRequest struct {
	AssetID string `json:"asset_id"`
}

type reorderRequest struct {
	EntryIDs []int64 `json:"entry_ids"`
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func RegisterRoutes(mux *http.ServeMux, cfg config.Config, sys *stream.System, res *resolver.Resolver) http.Handler {

	host := func(h http.HandlerFunc) http.HandlerFunc {
		return requireHost(cfg.Projectionist.HostToken, h)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "Projectionist keeps a room full of viewers on one playback timeline.\n")
	})

	mux.HandleFunc("/api/v1", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, map[string]string{"message": "This is the v1 endpoint of the API"})
	})

	// Viewer read surface. Served uncached since it is the poll fallback
	// for clients whose push connection is unhealthy.
	mux.HandleFunc("GET /api/v1/playing", func(w http.ResponseWriter, r *http.Request) {
		noCache(w)
		state := sys.Current()
		if state.AssetID == "" {
			renderError(w, stream.ErrNoActiveAsset)
			return
		}
		renderJSON(w, http.StatusOK, state)
	})

	// Viewers fetch the sync tunables from here and feed them into
	// reconcile.OptionsFrom, so drift thresholds and poll cadences are
	// set by the operator, not baked into every client build.
	mux.HandleFunc("GET /api/v1/sync", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, cfg.Sync)
	})

	mux.HandleFunc("GET /api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		noCache(w)
		entries, err := sys.ListQueue()
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("GET /api/v1/resolve/{assetID}", func(w http.ResponseWriter, r *http.Request) {
		cred, err := res.Resolve(r.PathValue("assetID"))
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, cred)
	})

	// Host command surface.
	mux.HandleFunc("POST /api/v1/control", host(func(w http.ResponseWriter, r *http.Request) {
		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed command body"})
			return
		}
		cmd, err := stream.ParseCommand(req.Action, req.Position)
		if err != nil {
			renderError(w, err)
			return
		}
		state, err := sys.Apply(cmd, req.CommandID)
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, state)
	}))

	mux.HandleFunc("POST /api/v1/asset", host(func(w http.ResponseWriter, r *http.Request) {
		var req assetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == "" {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "asset_id is required"})
			return
		}
		state, err := sys.SetCurrentAsset(stream.Asset{
			ID:              req.AssetID,
			Title:           req.Title,
			Kind:            stream.AssetKind(req.Kind),
			DurationSeconds: req.DurationSeconds,
			LoopPlayback:    req.LoopPlayback,
		})
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, state)
	}))

	mux.HandleFunc("POST /api/v1/asset/register", host(func(w http.ResponseWriter, r *http.Request) {
		var req assetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == "" {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "asset_id is required"})
			return
		}
		err := sys.RegisterAsset(stream.Asset{
			ID:              req.AssetID,
			Title:           req.Title,
			Kind:            stream.AssetKind(req.Kind),
			DurationSeconds: req.DurationSeconds,
			LoopPlayback:    req.LoopPlayback,
		})
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, map[string]string{"message": "asset registered"})
	}))

	mux.HandleFunc("DELETE /api/v1/asset/{assetID}", host(func(w http.ResponseWriter, r *http.Request) {
		if err := sys.DeleteAsset(r.PathValue("assetID")); err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, map[string]string{"message": "asset deleted"})
	}))

	mux.HandleFunc("POST /api/v1/queue", host(func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == "" {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "asset_id is required"})
			return
		}
		entry, err := sys.Enqueue(req.AssetID)
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, entry)
	}))

	mux.HandleFunc("DELETE /api/v1/queue/{entryID}", host(func(w http.ResponseWriter, r *http.Request) {
		entryID, err := strconv.ParseInt(r.PathValue("entryID"), 10, 64)
		if err != nil {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "entry id must be numeric"})
			return
		}
		if err := sys.Dequeue(entryID); err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, map[string]string{"message": "entry removed"})
	}))

	mux.HandleFunc("PUT /api/v1/queue", host(func(w http.ResponseWriter, r *http.Request) {
		var req reorderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed reorder body"})
			return
		}
		if err := sys.Reorder(req.EntryIDs); err != nil {
			renderError(w, err)
			return
		}
		entries, err := sys.ListQueue()
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, entries)
	}))

	mux.HandleFunc("POST /api/v1/queue/advance", host(func(w http.ResponseWriter, r *http.Request) {
		state, err := sys.Advance()
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, state)
	}))

	mux.HandleFunc("PUT /api/v1/autoadvance", host(func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
		state, err := sys.SetAutoAdvance(req.Enabled)
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, state)
	}))

	mux.HandleFunc("PUT /api/v1/holdscreen/item", host(func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == "" {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "asset_id is required"})
			return
		}
		state, err := sys.SetHoldScreenItem(req.AssetID)
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, state)
	}))

	mux.HandleFunc("PUT /api/v1/holdscreen", host(func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
		var (
			state stream.StreamState
			err   error
		)
		if req.Enabled {
			state, err = sys.EnableHoldScreen()
		} else {
			state, err = sys.DisableHoldScreen()
		}
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, state)
	}))

	mux.HandleFunc("PUT /api/v1/poster", host(func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
		state, err := sys.SetShowPoster(req.Enabled)
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, state)
	}))

	// The player's ended event arrives as a signed webhook. Duplicate
	// deliveries are expected and absorbed by the advance guard.
	mux.HandleFunc("POST /api/v1/ended", func(w http.ResponseWriter, r *http.Request) {
		secret := cfg.Projectionist.EndedWebhookSecret
		if secret == "" {
			renderJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "this endpoint is not properly configured"})
			return
		}
		signature := r.Header.Get("X-Playback-Signature")
		if signature == "" {
			renderJSON(w, http.StatusUnauthorized, map[string]string{"error": "no signature was provided"})
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body as part of signature validation"})
			return
		}
		if !strings.HasPrefix(signature, "sha256=") {
			signature = fmt.Sprintf("sha256=%s", signature)
		}
		if err := hmacext.Validate(body, signature, secret); err != nil {
			slog.Error("Failed signature validation on ended event", slog.Any("error", err))
			renderJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature failed validation"})
			return
		}
		state, err := sys.HandleEnded()
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, state)
	})

	mux.HandleFunc("/events", events.Server.ServeHTTP)

	allowedOrigins := []string{"http://localhost:8080"}
	if cfg.Projectionist.AllowedOrigins != "" {
		allowedOrigins = strings.Split(cfg.Projectionist.AllowedOrigins, ",")
	}

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	})

	return c.Handler(mux)
}
