// Package reconcile contains the follower-side half of the coordinator:
// given a stream of (possibly duplicated, delayed or reordered) state
// snapshots, it nudges a local player into alignment with the
// authoritative timeline without ever fighting its own actions.
package reconcile

import (
	"math"
	"sync"
	"time"
)

// Player is the minimal surface the reconciler needs from whatever is
// actually rendering media on this client.
type Player interface {
	Position() float64
	Playing() bool
	SeekTo(position float64) error
	Play() error
	Pause() error
}

type Mode int

const (
	// ModeViewer follows the authoritative state and corrects the player.
	ModeViewer Mode = iota
	// ModeHost is the writer. Its reconciler only suppresses echoes of
	// its own commands and surfaces changes made through other channels;
	// it never drift-corrects its own player.
	ModeHost
)

// Options carries every sync tunable as explicit configuration. The zero
// value is filled in with the defaults below.
type Options struct {
	Mode Mode

	// Drift thresholds in seconds. Position corrections below these are
	// ignored; playing tolerates more drift than paused because a playing
	// timeline self-heals on the next snapshot anyway.
	DriftWhilePlaying float64
	DriftWhilePaused  float64

	// Debounce coalesces rapid-fire position-only refreshes into the
	// last value. Asset or status changes bypass it entirely.
	Debounce time.Duration

	// EchoWindow is how recently a local action must have been issued
	// for the heuristic echo match to fire. PendingTTL is the hard cap
	// after which pending actions are purged regardless.
	EchoWindow time.Duration
	PendingTTL time.Duration

	// LatencyAllowance is a small fixed bump covering network and render
	// delay between the server stamping a snapshot and us acting on it.
	LatencyAllowance time.Duration

	// BreakerLimit is how many consecutive sync failures are tolerated
	// before the reconciler gives up and surfaces the failure, instead
	// of retrying silently forever.
	BreakerLimit int

	// OnDegraded fires once when the breaker opens.
	OnDegraded func(err error)

	// OnForeignChange fires in host mode when a snapshot survives echo
	// and staleness checks, i.e. somebody else changed the stream.
	OnForeignChange func(Snapshot)
}

func (o *Options) withDefaults() {
	if o.DriftWhilePlaying == 0 {
		o.DriftWhilePlaying = 4
	}
	if o.DriftWhilePaused == 0 {
		o.DriftWhilePaused = 1.5
	}
	if o.Debounce == 0 {
		o.Debounce = 200 * time.Millisecond
	}
	if o.EchoWindow == 0 {
		o.EchoWindow = 2 * time.Second
	}
	if o.PendingTTL == 0 {
		o.PendingTTL = 5 * time.Second
	}
	if o.LatencyAllowance == 0 {
		o.LatencyAllowance = 150 * time.Millisecond
	}
	if o.BreakerLimit == 0 {
		o.BreakerLimit = 5
	}
}

// Snapshot is one observation of the authoritative stream state, as
// delivered over the change feed or the poll endpoint. ElapsedMs is a
// pointer because the clock-skew-free path is only possible when the
// server supplied it; nil falls back to local clock arithmetic.
type Snapshot struct {
	AssetID    string    `json:"asset_id"`
	Status     string    `json:"status"`
	Position   float64   `json:"position_seconds"`
	ElapsedMs  *int64    `json:"elapsed_ms"`
	UpdatedAt  time.Time `json:"updated_at"`
	CommandID  string    `json:"last_command_id"`
	HoldScreen bool      `json:"hold_screen_enabled"`
}

type pendingAction struct {
	status   string
	issuedAt time.Time
}

// Reconciler converges one local player on the authoritative timeline.
// All of its mutable sync state lives here, owned by one instance per
// connection, rather than in ambient globals.
type Reconciler struct {
	player Player
	opts   Options
	now    func() time.Time

	mu                sync.Mutex
	lastSynced        *Snapshot
	pending           map[string]pendingAction
	lastLocalActionAt time.Time
	syncErrors        int
	degraded          bool
	forceNext         bool

	debounce         *time.Timer
	debounceSnap     Snapshot
	debounceReceived time.Time
}

func New(player Player, opts Options) *Reconciler {
	opts.withDefaults()
	return &Reconciler{
		player:  player,
		opts:    opts,
		now:     time.Now,
		pending: make(map[string]pendingAction),
	}
}

// RecordLocalAction registers a command this client just issued, so the
// server's echo of it can be recognised and discarded.
func (r *Reconciler) RecordLocalAction(commandID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgePendingLocked()
	r.pending[commandID] = pendingAction{status: status, issuedAt: r.now()}
	r.lastLocalActionAt = r.now()
}

// ForceNext makes the next snapshot apply immediately, bypassing the
// duplicate check, the debounce timer and an open breaker. Used when a
// backgrounded client comes back to the foreground with stale timers.
func (r *Reconciler) ForceNext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceNext = true
	r.syncErrors = 0
	r.degraded = false
	r.cancelDebounceLocked()
}

func (r *Reconciler) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *Reconciler) SyncErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncErrors
}

// NoteFailure counts a sync attempt that failed before a snapshot was
// even obtained, e.g. a poll request that never reached the server.
func (r *Reconciler) NoteFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordFailureLocked(err)
}

// Apply runs one snapshot through the reconciliation pipeline: duplicate
// suppression, echo suppression, staleness checks, target computation and
// finally drift/status correction against the local player.
func (r *Reconciler) Apply(snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgePendingLocked()

	force := r.forceNext
	r.forceNext = false

	if r.degraded && !force {
		return nil
	}

	if !force && r.isDuplicateLocked(snap) {
		return nil
	}

	if r.opts.Mode == ModeHost {
		return r.applyHostLocked(snap)
	}

	// A snapshot older than the newest one we have accepted, whether
	// already applied or still parked on the debounce timer, is a late
	// arrival from the feed's best-effort ordering. Dropping it is what
	// keeps us at one corrective seek per genuine change, converging on
	// the newest server data rather than the last-delivered packet.
	if !force && snap.UpdatedAt.Before(r.newestAcceptedLocked()) {
		return nil
	}

	stateChanged := force || r.lastSynced == nil ||
		r.lastSynced.AssetID != snap.AssetID ||
		r.lastSynced.Status != snap.Status

	if stateChanged {
		r.cancelDebounceLocked()
		received := r.now()
		return r.applyCorrectionLocked(snap, received, -1)
	}

	// Position-only refresh: coalesce bursts into the last value and act
	// once the feed quiets down.
	r.debounceSnap = snap
	r.debounceReceived = r.now()
	if r.debounce == nil {
		r.debounce = time.AfterFunc(r.opts.Debounce, r.debounceFire)
	} else {
		r.debounce.Reset(r.opts.Debounce)
	}
	return nil
}

func (r *Reconciler) applyHostLocked(snap Snapshot) error {
	// Exact-match echo suppression: the feed carries the originating
	// command id, so our own writes identify themselves.
	if snap.CommandID != "" {
		if _, ok := r.pending[snap.CommandID]; ok {
			delete(r.pending, snap.CommandID)
			r.lastSynced = &snap
			return nil
		}
	}
	// Heuristic fallback for events that lost their command id: a recent
	// local action with the same resulting status is almost certainly
	// the one being echoed.
	for id, p := range r.pending {
		if p.status == snap.Status && r.now().Sub(p.issuedAt) <= r.opts.EchoWindow {
			delete(r.pending, id)
			r.lastSynced = &snap
			return nil
		}
	}
	// Stale-update guard: a push that predates an action we already
	// issued must not roll our view backwards.
	if !r.lastLocalActionAt.IsZero() && snap.UpdatedAt.Before(r.lastLocalActionAt) {
		return nil
	}
	r.lastSynced = &snap
	if r.opts.OnForeignChange != nil {
		r.opts.OnForeignChange(snap)
	}
	return nil
}

// newestAcceptedLocked is the timestamp of the newest snapshot the
// reconciler has committed to: the last one applied, or one still parked
// on the debounce timer, whichever is later.
func (r *Reconciler) newestAcceptedLocked() time.Time {
	var newest time.Time
	if r.lastSynced != nil {
		newest = r.lastSynced.UpdatedAt
	}
	if r.debounce != nil && r.debounceSnap.UpdatedAt.After(newest) {
		newest = r.debounceSnap.UpdatedAt
	}
	return newest
}

func (r *Reconciler) isDuplicateLocked(snap Snapshot) bool {
	last := r.lastSynced
	if last == nil {
		return false
	}
	return snap.AssetID == last.AssetID &&
		snap.Status == last.Status &&
		snap.UpdatedAt.Equal(last.UpdatedAt) &&
		math.Abs(snap.Position-last.Position) < 0.5
}

// target computes where the player ought to be right now. The server's
// ElapsedMs keeps client clock skew out of the sum; the local-clock
// subtraction is only a fallback.
func (r *Reconciler) target(snap Snapshot, receivedAt, now time.Time) float64 {
	if snap.Status != string(StatusPlaying) {
		return snap.Position
	}
	base := snap.Position
	if snap.ElapsedMs != nil {
		base += float64(*snap.ElapsedMs) / 1000
	} else {
		base += receivedAt.Sub(snap.UpdatedAt).Seconds()
	}
	base += now.Sub(receivedAt).Seconds()
	return base + r.opts.LatencyAllowance.Seconds()
}

// StatusPlaying / StatusPaused mirror the wire values of the stream's
// playback status without importing the server packages into clients.
const (
	StatusPlaying = "playing"
	StatusPaused  = "paused"
)

// applyCorrectionLocked seeks and/or corrects status. A negative
// threshold means the seek is unconditional (asset or status change);
// otherwise only genuine drift beyond the threshold is corrected.
func (r *Reconciler) applyCorrectionLocked(snap Snapshot, receivedAt time.Time, threshold float64) error {
	target := r.target(snap, receivedAt, r.now())
	if target < 0 {
		target = 0
	}

	var err error
	if threshold < 0 || math.Abs(r.player.Position()-target) > threshold {
		err = r.player.SeekTo(target)
	}

	// Status correction runs independently of the position correction.
	if serr := r.correctStatus(snap); serr != nil && err == nil {
		err = serr
	}

	if err != nil {
		r.recordFailureLocked(err)
		return err
	}

	r.lastSynced = &snap
	r.syncErrors = 0
	r.degraded = false
	return nil
}

func (r *Reconciler) correctStatus(snap Snapshot) error {
	switch {
	case snap.Status == StatusPlaying && !r.player.Playing():
		return r.player.Play()
	case snap.Status == StatusPaused && r.player.Playing():
		return r.player.Pause()
	}
	return nil
}

func (r *Reconciler) recordFailureLocked(err error) {
	r.syncErrors++
	if r.syncErrors >= r.opts.BreakerLimit && !r.degraded {
		r.degraded = true
		if r.opts.OnDegraded != nil {
			r.opts.OnDegraded(err)
		}
	}
}

func (r *Reconciler) debounceFire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debounce = nil
	if r.degraded {
		return
	}
	snap := r.debounceSnap
	threshold := r.opts.DriftWhilePaused
	if snap.Status == StatusPlaying {
		threshold = r.opts.DriftWhilePlaying
	}
	_ = r.applyCorrectionLocked(snap, r.debounceReceived, threshold)
}

func (r *Reconciler) purgePendingLocked() {
	cutoff := r.now().Add(-r.opts.PendingTTL)
	for id, p := range r.pending {
		if p.issuedAt.Before(cutoff) {
			delete(r.pending, id)
		}
	}
}

func (r *Reconciler) cancelDebounceLocked() {
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
}

// Close releases the debounce timer. Safe to call more than once.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelDebounceLocked()
}
