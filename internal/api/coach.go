package api

import (
	"net/http"
	"strconv"

	"github.com/allensfl/coaching-cockpit/internal/coach"
	"github.com/allensfl/coaching-cockpit/internal/validate"
)

const msgInvalidRequest = "Invalid request format"

func handleCoach(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw validate.Raw
		if err := readJSON(w, r, &raw); err != nil {
			deps.Logger.Debug("undecodable coach request", "error", err)
			writeJSON(w, http.StatusBadRequest, coach.Reply{Error: msgInvalidRequest})
			return
		}

		reply := deps.Coach.Handle(r.Context(), raw, r.Header.Get("X-Session-ID"))
		if reply.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(reply.RetryAfter))
		}
		writeJSON(w, reply.Status(), reply)
	}
}
