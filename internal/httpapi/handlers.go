package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BYU-PCCL/footron-api/internal/protocol"
)

// currentExperienceChange is the body of PUT /api/current.
type currentExperienceChange struct {
	ID string `json:"id"`
}

// currentExperienceUpdate is the body of PATCH /api/current. Absent fields
// are left untouched.
type currentExperienceUpdate struct {
	EndTime *int64         `json:"end_time"`
	Lock    *protocol.Lock `json:"lock"`
}

func RootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<p>Welcome to the Footron API!</p>"))
	}
}

func ExperiencesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		experiences, err := d.Controller.Experiences(r.Context(), true)
		if err != nil {
			writeUpstreamError(w, d, "experiences", err)
			return
		}
		writeJSON(w, http.StatusOK, experiences)
	}
}

func CollectionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collections, err := d.Controller.Collections(r.Context(), true)
		if err != nil {
			writeUpstreamError(w, d, "collections", err)
			return
		}
		writeJSON(w, http.StatusOK, collections)
	}
}

func CurrentExperienceHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Always fresh; the display may have moved on without us.
		current, err := d.Controller.CurrentExperience(r.Context(), false)
		if err != nil {
			writeUpstreamError(w, d, "current experience", err)
			return
		}
		writeJSON(w, http.StatusOK, current)
	}
}

func SetCurrentExperienceHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var change currentExperienceChange
		if err := json.NewDecoder(r.Body).Decode(&change); err != nil || change.ID == "" {
			writeError(w, http.StatusUnprocessableEntity, "body must carry an experience id")
			return
		}

		if d.Auth.Lock().IsClosed() {
			writeError(w, http.StatusMethodNotAllowed,
				"setting current experience is forbidden during closed lock")
			return
		}

		// Switching away from an experience holding a capacity lock releases
		// the lock; a non-messaging app would otherwise hold it forever.
		current, err := d.Controller.CurrentExperience(r.Context(), true)
		if err == nil && current != nil {
			if id, _ := current["id"].(string); id != "" && id != change.ID {
				d.Auth.SetLock(protocol.OpenLock())
			}
		}

		out, err := d.Controller.SetCurrentExperience(r.Context(), change.ID)
		if err != nil {
			writeUpstreamError(w, d, "set current experience", err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func UpdateCurrentExperienceHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var update currentExperienceUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "malformed update body")
			return
		}
		if update.EndTime == nil && update.Lock == nil {
			writeError(w, http.StatusUnprocessableEntity, "update body carries no fields")
			return
		}

		// The auth manager owns the lock; it forwards the new state to the
		// controller itself.
		if update.Lock != nil {
			d.Auth.SetLock(*update.Lock)
		}
		if update.EndTime != nil {
			fields := map[string]any{"end_time": *update.EndTime}
			if err := d.Controller.PatchCurrentExperience(r.Context(), fields); err != nil {
				writeUpstreamError(w, d, "update current experience", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func writeUpstreamError(w http.ResponseWriter, d Dependencies, what string, err error) {
	if d.Logger != nil {
		d.Logger.Error("controller request failed",
			slog.String("operation", what),
			slog.String("error", err.Error()))
	}
	writeError(w, http.StatusBadGateway, "controller unavailable")
}
