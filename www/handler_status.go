package www

import (
	"log/slog"
	"net/http"
)

func NewStatusHandler(logger *slog.Logger, scheduler Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(logger, w, http.StatusOK, scheduler.Status())
	}
}
