package reconcile

import (
	"time"

	"github.com/roxyhall/projectionist/config"
)

// OptionsFrom maps the coordinator's sync tunables onto reconciler
// options, so operators tune drift and debounce behaviour in one place.
// Zero values fall through to the package defaults.
func OptionsFrom(sync config.SyncConfig) Options {
	return Options{
		DriftWhilePlaying: sync.DriftWhilePlayingSeconds,
		DriftWhilePaused:  sync.DriftWhilePausedSeconds,
		Debounce:          time.Duration(sync.DebounceMs) * time.Millisecond,
		LatencyAllowance:  time.Duration(sync.LatencyAllowanceMs) * time.Millisecond,
	}
}

// FollowerOptionsFrom maps the poll cadences the same way.
func FollowerOptionsFrom(sync config.SyncConfig) FollowerOptions {
	return FollowerOptions{
		PollHealthy:  time.Duration(sync.PollHealthySeconds) * time.Second,
		PollDegraded: time.Duration(sync.PollDegradedSeconds) * time.Second,
	}
}
