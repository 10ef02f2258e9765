package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/allensfl/coaching-cockpit/internal/storage"
)

func handleMetrics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20, 1000)
		sink := deps.Coach.Metrics()

		resp := map[string]any{
			"summary": sink.Summary(),
			"recent":  sink.Recent(limit),
			"cache":   deps.Coach.CacheStats(),
		}
		if deps.Journal != nil {
			resp["journal"] = deps.Journal.Stats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusServiceUnavailable, errInternal, "interaction journal is disabled")
			return
		}

		limit := queryInt(r, "limit", 20, 100)
		session := r.URL.Query().Get("session")

		var (
			interactions []storage.Interaction
			err          error
		)
		if session != "" {
			interactions, err = deps.Store.SessionInteractions(r.Context(), session, limit)
		} else {
			interactions, err = deps.Store.RecentInteractions(r.Context(), limit)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to list interactions: %v", err)
			return
		}
		if interactions == nil {
			interactions = []storage.Interaction{}
		}
		writeJSON(w, http.StatusOK, interactions)
	}
}

func handleGetInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusServiceUnavailable, errInternal, "interaction journal is disabled")
			return
		}

		interaction, err := deps.Store.GetInteraction(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to get interaction: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, interaction)
	}
}
