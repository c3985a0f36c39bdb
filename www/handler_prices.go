package www

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/angas/nordpool2influx/database"
	"github.com/angas/nordpool2influx/delivery"
)

type pricePoint struct {
	Measurement string             `json:"measurement"`
	Tags        map[string]string  `json:"tags"`
	Fields      map[string]float64 `json:"fields"`
	Time        time.Time          `json:"time"`
}

// NewPricesHandler serves the points stored by the sqlite sink. from and to
// are delivery dates, to is inclusive, both default to today in UTC.
func NewPricesHandler(logger *slog.Logger, db *database.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeError(logger, w, http.StatusServiceUnavailable, "no database configured")
			return
		}

		q := r.URL.Query()
		from, to := delivery.Today(time.UTC), delivery.Today(time.UTC)
		var err error
		if v := q.Get("from"); v != "" {
			if from, err = delivery.Parse(v); err != nil {
				writeError(logger, w, http.StatusBadRequest, "invalid from date")
				return
			}
			to = from
		}
		if v := q.Get("to"); v != "" {
			if to, err = delivery.Parse(v); err != nil {
				writeError(logger, w, http.StatusBadRequest, "invalid to date")
				return
			}
		}
		if to.Before(from) {
			writeError(logger, w, http.StatusBadRequest, "to is before from")
			return
		}

		area := strings.ToUpper(q.Get("area"))
		rows, err := db.GetPricePoints(r.Context(), area, from.Start(time.UTC), to.End(time.UTC))
		if err != nil {
			logger.Error("handling prices request", slog.Any("error", err))
			writeError(logger, w, http.StatusInternalServerError, err.Error())
			return
		}

		points := make([]pricePoint, len(rows))
		for i, p := range rows {
			points[i] = pricePoint{Time: p.Timestamp, Tags: p.Tags, Fields: p.Fields, Measurement: p.Measurement}
		}
		writeJSON(logger, w, http.StatusOK, points)
	}
}
