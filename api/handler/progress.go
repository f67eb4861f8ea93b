package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"deploywatch/progress"
)

// Progress returns a one-shot reconciled view built from the current snapshot.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.fetcher.FetchSnapshot(r.Context(), id)
	if err != nil {
		h.log.Warn("snapshot fetch failed", zap.String("deployment", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	now := h.clock.Now()
	d := progress.FromSnapshot(id, *snap, now)
	writeJSON(w, progress.NewView(d, progress.ConnectionDisconnected, progress.PollIdle, now))
}

// Watch attaches a dashboard viewer to a deployment's live view.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("deployment")
	if !validDeploymentIDRe.MatchString(id) {
		http.Error(w, "invalid deployment id", http.StatusBadRequest)
		return
	}

	h.sessions.Acquire(id)
	left, err := h.ws.HandleConnect(w, r, id)
	if err != nil {
		h.sessions.Release(id)
		h.log.Warn("viewer upgrade failed", zap.String("deployment", id), zap.Error(err))
		return
	}
	go func() {
		<-left
		h.sessions.Release(id)
	}()
}
