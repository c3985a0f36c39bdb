package sink

import (
	"context"
	"log/slog"

	"github.com/angas/nordpool2influx/database"
	"github.com/angas/nordpool2influx/types"
)

type PricePointStore interface {
	UpsertPricePoints(ctx context.Context, rows []database.PricePointRow) error
}

// SQLite stores points in the local database's price_point table.
type SQLite struct {
	logger *slog.Logger
	store  PricePointStore
}

func NewSQLite(store PricePointStore) *SQLite {
	return &SQLite{
		logger: slog.Default().With("module", "sqlite_sink"),
		store:  store,
	}
}

func (s *SQLite) Write(ctx context.Context, batch []types.WritePoint) error {
	valid, _, rejected := partition(batch)
	if len(valid) == 0 {
		return result(nil, rejected)
	}

	rows := make([]database.PricePointRow, len(valid))
	for i, p := range valid {
		rows[i] = database.PricePointRow{
			Measurement: p.Measurement,
			Tags:        p.Tags,
			Fields:      p.Fields,
			Timestamp:   p.Timestamp,
		}
	}

	if err := s.store.UpsertPricePoints(ctx, rows); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The batch is one transaction, so nothing of it was stored.
		return &types.TransientWriteError{Err: err}
	}
	s.logger.Debug("points written", slog.Int("count", len(rows)))
	return result(nil, rejected)
}

// Close is a no-op, the database is owned by the caller.
func (s *SQLite) Close() error {
	return nil
}
