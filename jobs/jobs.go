package jobs

import (
	"log"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/gregdel/pushover"

	"github.com/roxyhall/projectionist/config"
	"github.com/roxyhall/projectionist/resolver"
)

// signerFailureAlertAfter is how many consecutive refresh sweeps may fail
// before the operator gets paged. One blip is noise; a run of them means
// viewers are about to lose playback when their tokens expire.
const signerFailureAlertAfter = 3

var (
	consecutiveRefreshFailures int
	outageAlerted              bool
)

func SetupInBackground(cfg config.Config, res *resolver.Resolver) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)

	s.Every(1).Minutes().Do(RefreshExpiringCredentials, cfg, res)
	s.Every(1).Hours().Do(SweepExpiredCredentials, res)

	log.Print("Jobs scheduled. Scheduler not running yet.")

	return s
}

// RefreshExpiringCredentials re-signs playback credentials nearing expiry
// so viewers never hit a dead token mid-watch. Persistent signer outages
// escalate to a pushover alert instead of an infinite silent retry loop.
func RefreshExpiringCredentials(cfg config.Config, res *resolver.Resolver) {
	refreshed, err := res.RefreshExpiring()
	if err != nil {
		consecutiveRefreshFailures++
		slog.Error("Failed to refresh playback credentials",
			slog.Any("error", err),
			slog.Int("consecutive_failures", consecutiveRefreshFailures))
		if consecutiveRefreshFailures >= signerFailureAlertAfter && !outageAlerted {
			notifySignerOutage(cfg, err)
			outageAlerted = true
		}
		return
	}
	if outageAlerted {
		slog.Info("Playback signer has recovered")
	}
	consecutiveRefreshFailures = 0
	outageAlerted = false
	if refreshed > 0 {
		slog.Info("Refreshed playback credentials", slog.Int("count", refreshed))
	}
}

func SweepExpiredCredentials(res *resolver.Resolver) {
	swept, err := res.SweepExpired()
	if err != nil {
		slog.Error("Failed to sweep expired credentials", slog.Any("error", err))
		return
	}
	if swept > 0 {
		slog.Debug("Swept expired playback credentials", slog.Int64("count", swept))
	}
}

func notifySignerOutage(cfg config.Config, cause error) {
	if cfg.Pushover.Token == "" || cfg.Pushover.Recipient == "" {
		slog.Warn("Pushover not configured, skipping signer outage alert")
		return
	}
	app := pushover.New(cfg.Pushover.Token)
	recipient := pushover.NewRecipient(cfg.Pushover.Recipient)
	message := &pushover.Message{
		Title:   "Projectionist: playback signer unreachable",
		Message: cause.Error(),
	}
	if _, err := app.SendMessage(message, recipient); err != nil {
		slog.Error("Failed to send signer outage alert", slog.Any("error", err))
	}
}
