package watchdog

import (
	"context"
	"time"

	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/session"
)

// countdown keeps the warning notices in step with the remaining time. It
// edits only when the displayed value changes, retracts the warning when the
// deadline moved back beyond the threshold, and stops at zero, leaving
// termination to the watchdog.
func (w *Watchdog) countdown(ctx context.Context, rt *session.Runtime) {
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if rt.Closed() {
			return
		}

		remaining := rt.Remaining(w.now())
		if remaining <= 0 {
			return
		}

		if remaining > w.thresholdSeconds() || !rt.Warned() {
			// ClearWarning cancels this countdown's own context.
			bg := context.WithoutCancel(ctx)
			for u, h := range rt.ClearWarning() {
				w.notifier.RetractNotice(bg, u, h)
			}
			return
		}

		if !rt.ShouldShow(remaining) {
			continue
		}
		for u, h := range rt.Notices() {
			w.notifier.EditNotice(ctx, u, h, notify.Notice{
				Kind:      notify.KindInactivityWarning,
				Text:      WarningText(remaining),
				SessionID: rt.ID,
				Remaining: remaining,
			})
		}
	}
}
