package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
)

// FollowerOptions configures the transport side of a follower: how often
// to poll while the realtime feed looks healthy versus degraded, and how
// long a silence counts as degraded.
type FollowerOptions struct {
	PollHealthy        time.Duration
	PollDegraded       time.Duration
	RealtimeStaleAfter time.Duration
	HTTPClient         *http.Client
}

func (o *FollowerOptions) withDefaults() {
	if o.PollHealthy == 0 {
		o.PollHealthy = 30 * time.Second
	}
	if o.PollDegraded == 0 {
		o.PollDegraded = 5 * time.Second
	}
	if o.RealtimeStaleAfter == 0 {
		o.RealtimeStaleAfter = 45 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
}

// changeEvent mirrors the wire shape of the coordinator's SSE payload.
type changeEvent struct {
	After     Snapshot `json:"after"`
	CommandID string   `json:"command_id"`
}

// Follower wires a Reconciler to a running coordinator: a long-lived SSE
// subscription for push, plus a poll loop that self-heals when push goes
// quiet. Both are torn down by Close.
type Follower struct {
	rec     *Reconciler
	baseURL string
	opts    FollowerOptions

	mu           sync.Mutex
	lastRealtime time.Time

	cancel    context.CancelFunc
	wake      chan struct{}
	closeOnce sync.Once
}

func NewFollower(baseURL string, rec *Reconciler, opts FollowerOptions) *Follower {
	opts.withDefaults()
	return &Follower{
		rec:     rec,
		baseURL: baseURL,
		opts:    opts,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the subscription and poll loops. It returns immediately;
// both loops run until the context is cancelled or Close is called.
func (f *Follower) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.subscribe(ctx)
	go f.pollLoop(ctx)
}

// WakeUp forces one immediate reconciliation pass, bypassing debounce and
// duplicate suppression. Callers invoke it when the client returns to the
// foreground, since suspended timers accumulate silent drift.
func (f *Follower) WakeUp() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close tears down the subscription and poll timers. Long-lived followers
// that skip this leak an SSE connection per departed viewer.
func (f *Follower) Close() {
	f.closeOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		f.rec.Close()
	})
}

// Healthy reports whether the realtime feed has delivered recently.
func (f *Follower) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.lastRealtime.IsZero() && time.Since(f.lastRealtime) <= f.opts.RealtimeStaleAfter
}

func (f *Follower) markRealtime() {
	f.mu.Lock()
	f.lastRealtime = time.Now()
	f.mu.Unlock()
}

func (f *Follower) subscribe(ctx context.Context) {
	client := sse.NewClient(f.baseURL + "/events")
	for {
		err := client.SubscribeWithContext(ctx, "stream", func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			var event changeEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				slog.Error("Failed to decode change event", slog.Any("error", err))
				return
			}
			f.markRealtime()
			if err := f.rec.Apply(event.After); err != nil {
				slog.Error("Failed to apply pushed snapshot", slog.Any("error", err))
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("Realtime subscription dropped, will retry",
				slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// pollLoop is the pull fallback. It runs even while push is healthy, just
// slower, so a wedged subscription can never strand a viewer for long.
func (f *Follower) pollLoop(ctx context.Context) {
	for {
		interval := f.opts.PollHealthy
		if !f.Healthy() {
			interval = f.opts.PollDegraded
		}
		select {
		case <-ctx.Done():
			return
		case <-f.wake:
			f.rec.ForceNext()
			f.pollOnce(ctx)
		case <-time.After(interval):
			f.pollOnce(ctx)
		}
	}
}

func (f *Follower) pollOnce(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/api/v1/playing", nil)
	if err != nil {
		f.rec.NoteFailure(err)
		return
	}
	res, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		f.rec.NoteFailure(err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		// No active asset yet. Nothing to converge on.
		return
	}
	if res.StatusCode != http.StatusOK {
		f.rec.NoteFailure(fmt.Errorf("poll returned status %d", res.StatusCode))
		return
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		f.rec.NoteFailure(err)
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		f.rec.NoteFailure(err)
		return
	}
	if err := f.rec.Apply(snap); err != nil {
		slog.Error("Failed to apply polled snapshot", slog.Any("error", err))
	}
}
