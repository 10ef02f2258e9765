package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/allensfl/coaching-cockpit/internal/relay"
	"github.com/allensfl/coaching-cockpit/internal/validate"
)

type relayPostRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

func relaySession(w http.ResponseWriter, r *http.Request) (string, bool) {
	session := chi.URLParam(r, "session")
	if !validate.ValidSessionID(session) {
		httpError(w, http.StatusBadRequest, errInvalidRequest, "invalid session identifier")
		return "", false
	}
	return session, true
}

func relaySide(w http.ResponseWriter, r *http.Request) (relay.Side, bool) {
	side, err := relay.ParseSide(r.URL.Query().Get("for"))
	if err != nil {
		httpError(w, http.StatusBadRequest, errInvalidRequest, "for must be coach or klient")
		return "", false
	}
	return side, true
}

func handleRelayPost(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := relaySession(w, r)
		if !ok {
			return
		}

		var req relayPostRequest
		if err := readJSON(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
			return
		}

		author, err := relay.ParseAuthor(req.Author)
		if err != nil {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "author must be coach, ki or klient")
			return
		}

		msg, err := deps.Relay.Post(session, author, req.Content)
		if errors.Is(err, relay.ErrEmptyContent) {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "content is required")
			return
		}
		if errors.Is(err, relay.ErrTooManySessions) {
			httpError(w, http.StatusServiceUnavailable, errInternal, "relay is at capacity, try again later")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to relay message: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleRelayCollect(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := relaySession(w, r)
		if !ok {
			return
		}
		side, ok := relaySide(w, r)
		if !ok {
			return
		}

		msgs, err := deps.Relay.Collect(session, side)
		if err != nil {
			httpError(w, http.StatusInternalServerError, errInternal, "failed to collect messages: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	}
}

// handleRelayStream pushes messages for one side over a websocket as they
// arrive. Client frames are ignored; the stream ends when the client closes.
func handleRelayStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := relaySession(w, r)
		if !ok {
			return
		}
		side, ok := relaySide(w, r)
		if !ok {
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns(deps.AllowedOrigins),
		})
		if err != nil {
			deps.Logger.Warn("websocket accept failed", "session_id", session, "error", err)
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "relay closed")

		ctx := ws.CloseRead(r.Context())
		log := deps.Logger.With("session_id", session, "side", string(side))
		log.Debug("relay stream opened")

		if err := streamRelay(ctx, ws, deps.Relay, session, side); err != nil && ctx.Err() == nil {
			log.Warn("relay stream ended", "error", err)
		}
	}
}

func streamRelay(ctx context.Context, ws *websocket.Conn, mb *relay.Mailbox, session string, side relay.Side) error {
	for {
		msgs, err := mb.Collect(session, side)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := wsjson.Write(ctx, ws, m); err != nil {
				return err
			}
		}

		if err := mb.Wait(ctx, session, side); err != nil {
			return err
		}
	}
}

// originPatterns converts allowed CORS origins to websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}
