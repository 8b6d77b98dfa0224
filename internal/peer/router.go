package peer

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// SyncPath is where peers connect.
const SyncPath = "/sync"

// Health reports the state a node exposes on /health.
type Health struct {
	Node          string `json:"node"`
	OpenConflicts int    `json:"open_conflicts"`
}

// NewRouter mounts the sync websocket and a health endpoint. openConflicts
// may be nil.
func NewRouter(inbox *Inbox, openConflicts func() int) http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		h := Health{Node: inbox.nodeID}
		if openConflicts != nil {
			h.OpenConflicts = openConflicts()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h)
	})
	router.Handle(SyncPath, NewServer(inbox))
	return router
}
