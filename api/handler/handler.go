package handler

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"deploywatch/api/health"
	"deploywatch/api/hub"
	"deploywatch/api/session"
	"deploywatch/progress"
)

var validDeploymentIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type Handler struct {
	fetcher  progress.Fetcher
	sessions *session.Manager
	ws       *hub.Hub
	health   *health.Poller
	clock    clock.PassiveClock
	version  string
	log      *zap.Logger
}

func New(fetcher progress.Fetcher, sessions *session.Manager, ws *hub.Hub, poller *health.Poller, version string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		fetcher:  fetcher,
		sessions: sessions,
		ws:       ws,
		health:   poller,
		clock:    clock.RealClock{},
		version:  version,
		log:      log,
	}
}

// Routes mounts the relay endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/version", h.Version)
		r.Route("/deployments/{id}", func(r chi.Router) {
			r.Use(ValidateDeploymentID)
			r.Get("/progress", h.Progress)
		})
	})
	r.Get("/ws", h.Watch)
}

// ValidateDeploymentID is middleware that rejects requests with malformed
// deployment ids.
func ValidateDeploymentID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id != "" && !validDeploymentIDRe.MatchString(id) {
			http.Error(w, "invalid deployment id", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": h.version})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
