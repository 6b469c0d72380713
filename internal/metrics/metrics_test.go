package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	MatchesTotal.Inc()
	SessionsEndedTotal.WithLabelValues("stop").Inc()
	RevealsTotal.WithLabelValues("mutual").Inc()
	MessagesTotal.WithLabelValues("relayed").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		"pairchat_matches_total",
		"pairchat_sessions_ended_total",
		"pairchat_reveals_total",
		"pairchat_messages_total",
		"pairchat_active_sessions",
		"pairchat_queue_size",
		"pairchat_match_wait_seconds",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
