package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/pairchat/internal/feedback"
	"github.com/whisper/pairchat/internal/settings"
)

const maxBody = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
}

func userParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "user"), 10, 64)
	return id, err == nil && id > 0
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(h.Sessions.LiveSessions()),
	})
}

func (h *handler) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Settings.Current())
}

func (h *handler) putSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := decode(w, r, &body); err != nil || len(body.Value) == 0 {
		writeError(w, http.StatusBadRequest, `body must be {"value": ...}`)
		return
	}
	// Accept both "180" and 180.
	raw := string(body.Value)
	var s string
	if json.Unmarshal(body.Value, &s) == nil {
		raw = s
	}

	updated, err := h.Settings.Set(r.Context(), key, raw)
	switch {
	case errors.Is(err, settings.ErrUnknownKey):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, settings.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Str("key", key).Msg("setting update failed")
		writeError(w, http.StatusInternalServerError, "setting update failed")
		return
	}

	if c := adminFrom(r.Context()); c != nil {
		h.log.Info().Str("by", c.Subject).Str("key", key).Str("value", raw).Msg("setting updated")
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Sessions.LiveSessions())
}

func (h *handler) recencyRows(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	rows, err := h.Recency.Rows(r.Context(), user)
	if err != nil {
		h.log.Error().Err(err).Int64("user", user).Msg("recency lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handler) listComplaints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f feedback.ComplaintFilter

	parseID := func(name string, dst *int64) bool {
		v := q.Get(name)
		if v == "" {
			return true
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return false
		}
		*dst = id
		return true
	}
	if !parseID("about", &f.About) || !parseID("from", &f.From) {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	list, err := h.Complaints.ListComplaints(r.Context(), f)
	if err != nil {
		h.log.Error().Err(err).Msg("complaint listing failed")
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type banView struct {
	Banned           bool   `json:"banned"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Offenses         int    `json:"offenses"`
}

func (h *handler) getBan(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	banned, remaining, reason, err := h.Bans.IsBanned(r.Context(), user)
	if err != nil {
		h.log.Error().Err(err).Int64("user", user).Msg("ban lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	offenses, err := h.Bans.OffenseCount(r.Context(), user)
	if err != nil {
		h.log.Error().Err(err).Int64("user", user).Msg("offense lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, banView{
		Banned:           banned,
		RemainingSeconds: int(remaining / time.Second),
		Reason:           reason,
		Offenses:         offenses,
	})
}

func (h *handler) putBan(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var body struct {
		Minutes int    `json:"minutes"`
		Reason  string `json:"reason"`
	}
	if err := decode(w, r, &body); err != nil || body.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, `body must be {"minutes": >0, "reason": "..."}`)
		return
	}
	if body.Reason == "" {
		body.Reason = "admin"
	}
	d := time.Duration(body.Minutes) * time.Minute
	if err := h.Bans.Ban(r.Context(), user, d, body.Reason); err != nil {
		h.log.Error().Err(err).Int64("user", user).Msg("ban failed")
		writeError(w, http.StatusInternalServerError, "ban failed")
		return
	}
	writeJSON(w, http.StatusOK, banView{Banned: true, RemainingSeconds: int(d / time.Second), Reason: body.Reason})
}

func (h *handler) deleteBan(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := h.Bans.Unban(r.Context(), user); err != nil {
		h.log.Error().Err(err).Int64("user", user).Msg("unban failed")
		writeError(w, http.StatusInternalServerError, "unban failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getPoints(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	points, err := h.Points.GetPoints(r.Context(), user)
	if err != nil {
		h.log.Error().Err(err).Int64("user", user).Msg("points lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"points": points})
}

func (h *handler) adjustPoints(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var body struct {
		Delta int `json:"delta"`
	}
	if err := decode(w, r, &body); err != nil || body.Delta == 0 {
		writeError(w, http.StatusBadRequest, `body must be {"delta": non-zero}`)
		return
	}
	points, err := h.Points.AdjustPoints(r.Context(), user, body.Delta)
	if err != nil {
		h.log.Error().Err(err).Int64("user", user).Msg("points adjustment failed")
		writeError(w, http.StatusInternalServerError, "adjustment failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"points": points})
}
