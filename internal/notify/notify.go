// Package notify delivers user-visible notices from the engine. Delivery is
// best effort: failures are logged and never returned to the caller.
package notify

import (
	"context"

	"github.com/whisper/pairchat/internal/profile"
)

// Notice kinds.
const (
	KindMatched           = "matched"
	KindSearching         = "searching"
	KindSearchCancelled   = "search_cancelled"
	KindSessionEnded      = "session_ended"
	KindPeerLeft          = "peer_left"
	KindInactivityWarning = "inactivity_warning"
	KindInactivityEnded   = "inactivity_ended"
	KindMessage           = "message"
	KindRevealPending     = "reveal_pending"
	KindRevealAlready     = "reveal_already"
	KindRevealUnavailable = "reveal_unavailable"
	KindReveal            = "reveal"
	KindRevealed          = "revealed"
	KindFeedback          = "feedback"
	KindPromptPreferences = "prompt_preferences"
	KindRejected          = "rejected"
	KindRated             = "rated"
	KindComplaintSaved    = "complaint_saved"
	KindPreferenceSaved   = "preference_saved"
	KindProfileSaved      = "profile_saved"
)

// Notice is one outbound message to a user.
type Notice struct {
	Kind      string
	Text      string
	SessionID int64
	Remaining int
	Profile   *profile.Snapshot
}

// Notifier sends, edits and retracts notices. Notify returns a handle for
// later edits; an empty handle means delivery failed.
type Notifier interface {
	Notify(ctx context.Context, userID int64, n Notice) string
	EditNotice(ctx context.Context, userID int64, handle string, n Notice)
	RetractNotice(ctx context.Context, userID int64, handle string)
}
