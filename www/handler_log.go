package www

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/angas/nordpool2influx/database"
	"github.com/angas/nordpool2influx/logging"
)

type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Attrs     string    `json:"attrs"`
	Module    string    `json:"module,omitempty"`
	Area      string    `json:"area,omitempty"`
	RunID     string    `json:"runId,omitempty"`
}

func NewLogHandler(logger *slog.Logger, db *database.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeError(logger, w, http.StatusServiceUnavailable, "database logging is disabled")
			return
		}

		q := r.URL.Query()
		filter := database.LogFilter{
			MinLevel: slog.LevelDebug,
			Module:   q.Get("module"),
			Area:     strings.ToUpper(q.Get("area")),
			RunID:    q.Get("run"),
			Page:     intOrDefault(r.URL, "page", 1),
			PageSize: min(max(intOrDefault(r.URL, "pageSize", 25), 1), 500),
		}
		if l := q.Get("level"); l != "" {
			filter.MinLevel = logging.LevelFromString(l)
		}

		rows, err := db.GetLogEntries(r.Context(), filter)
		if err != nil {
			logger.Error("handling log request", slog.Any("error", err))
			writeError(logger, w, http.StatusInternalServerError, err.Error())
			return
		}

		entries := make([]logEntry, len(rows))
		for i, e := range rows {
			entries[i] = logEntry{
				Timestamp: e.Timestamp,
				Level:     slog.Level(e.Level).String(),
				Message:   e.Message,
				Attrs:     e.Attrs,
				Module:    e.Module,
				Area:      e.Area,
				RunID:     e.RunID,
			}
		}
		writeJSON(logger, w, http.StatusOK, entries)
	}
}
