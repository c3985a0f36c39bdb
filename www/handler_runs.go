package www

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/angas/nordpool2influx/task"
	"github.com/angas/nordpool2influx/types"
)

func NewRunsHandler(logger *slog.Logger, scheduler Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := min(max(intOrDefault(r.URL, "limit", 20), 1), 500)

		runs, err := scheduler.Runs(r.Context(), limit)
		if err != nil {
			logger.Error("handling runs request", slog.Any("error", err))
			writeError(logger, w, http.StatusInternalServerError, err.Error())
			return
		}
		if runs == nil {
			runs = []types.RunRecord{}
		}
		writeJSON(logger, w, http.StatusOK, runs)
	}
}

type triggerRequest struct {
	Areas []types.BiddingArea `json:"areas"`
}

// NewTriggerHandler queues a manual run. Areas come from the json body or
// the area query parameter, all configured areas when neither is given.
func NewTriggerHandler(logger *slog.Logger, scheduler Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req triggerRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(logger, w, http.StatusBadRequest, "invalid request body")
			return
		}
		for _, a := range r.URL.Query()["area"] {
			req.Areas = append(req.Areas, types.BiddingArea(a))
		}

		known := make([]types.BiddingArea, 0)
		for _, st := range scheduler.Status().Areas {
			known = append(known, st.Area)
		}
		for i, a := range req.Areas {
			req.Areas[i] = types.BiddingArea(strings.ToUpper(string(a)))
			if !slices.Contains(known, req.Areas[i]) {
				writeError(logger, w, http.StatusBadRequest, "unknown area "+string(a))
				return
			}
		}

		if !scheduler.Trigger(task.TriggerManual, req.Areas...) {
			writeError(logger, w, http.StatusServiceUnavailable, "trigger queue is full")
			return
		}
		logger.Info("manual run queued", slog.Any("areas", req.Areas))
		writeJSON(logger, w, http.StatusAccepted, map[string]any{"queued": true, "areas": req.Areas})
	}
}
