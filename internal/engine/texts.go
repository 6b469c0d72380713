package engine

import (
	"fmt"
	"time"
)

const (
	textAdminAccount     = "Admin accounts do not take part in the search."
	textSetPreference    = "Tell us your gender and who you are looking for first."
	textNextNeedsPref    = "To keep searching, set your gender and who you are looking for."
	textInSession        = "You are in a chat right now. Use !next or !stop."
	textAlreadyQueued    = "Already looking for someone. Cancel to stop the search."
	textSearching        = "Looking for someone... While the search runs, only cancel is available."
	textSearchingNext    = "Looking for the next partner..."
	textSearchCancelled  = "Search cancelled."
	textNotSearching     = "You are not searching right now."
	textSearchOnly       = "Search in progress. Only cancel is available."
	textIdle             = "You are not in a chat. Start a search to find someone."
	textStopped          = "Chat ended. Start a new search whenever you like."
	textPeerStopped      = "Your partner ended the chat."
	textPeerNext         = "Your partner moved on to someone else. You can start a new search."
	textInactivityEnded  = "The chat ended after a period of silence."
	textRevealNoProfile  = "Reveal is not possible: one of you has no profile."
	textRevealAlready    = "Reveal already requested. Waiting for your partner."
	textRevealPending    = "Reveal requested. Waiting for your partner to agree."
	textRevealPeerAsks   = "Your partner wants to reveal profiles. Send !reveal to agree."
	textRevealed         = "Profiles revealed to each other."
	textFeedback         = "How was the chat? Rate your partner from 1 to 5 stars or file a complaint."
	textRated            = "Thanks, your rating was saved."
	textRatedAlready     = "You already rated this chat."
	textComplaintSaved   = "Complaint saved. Moderators will review it."
	textInvalidStars     = "Ratings go from 1 to 5 stars."
	textNotParticipant   = "You were not part of that chat."
	textEmptyMessage     = "Empty messages are not sent."
	textTooLong          = "That message is too long to send."
	textInvalidEncoding  = "That message could not be read."
	textNoFeedbackTarget = "There is nothing to rate or report right now."
)

func bannedText(remaining time.Duration) string {
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("Searching is blocked after several complaints. Try again in %d min.", minutes)
}

func formatRating(avg float64, count int) string {
	if count == 0 {
		return "- (0)"
	}
	return fmt.Sprintf("%.1f (%d)", avg, count)
}

func matchedText(peerRating, ownRating string) string {
	return "Partner found. You are both anonymous.\n" +
		"Partner rating: " + peerRating + "\n" +
		"Your rating: " + ownRating + "\n\n" +
		"Chat commands:\n" +
		"!next - next partner\n" +
		"!stop - end the chat\n" +
		"!reveal - mutual reveal (when both have a profile)"
}
