package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allensfl/coaching-cockpit/internal/coach"
	"github.com/allensfl/coaching-cockpit/internal/journal"
	"github.com/allensfl/coaching-cockpit/internal/relay"
	"github.com/allensfl/coaching-cockpit/internal/storage"
)

// InteractionStore reads the interaction journal.
type InteractionStore interface {
	GetInteraction(ctx context.Context, id string) (storage.Interaction, error)
	RecentInteractions(ctx context.Context, limit int) ([]storage.Interaction, error)
	SessionInteractions(ctx context.Context, sessionID string, limit int) ([]storage.Interaction, error)
}

// Deps holds dependencies for the HTTP handler. Store and Journal are nil
// when the journal is disabled.
type Deps struct {
	Coach          *coach.Service
	Relay          *relay.Mailbox
	Store          InteractionStore
	Journal        *journal.Writer
	Token          string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewHandler returns the cockpit's HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Relay == nil {
		deps.Relay = relay.NewMailbox(0, 0, 0)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CORS(deps.AllowedOrigins))

	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/coach", handleCoach(deps))

		r.Post("/relay/{session}", handleRelayPost(deps))
		r.Get("/relay/{session}", handleRelayCollect(deps))
		r.Get("/relay/{session}/ws", handleRelayStream(deps))

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))
			r.Get("/metrics", handleMetrics(deps))
			r.Get("/interactions", handleListInteractions(deps))
			r.Get("/interactions/{id}", handleGetInteraction(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
