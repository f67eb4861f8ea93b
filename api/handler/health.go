package handler

import (
	"net/http"

	"deploywatch/api/health"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, health.Report{Status: health.StatusHealthy})
		return
	}
	writeJSON(w, h.health.Last(r.Context()))
}
