package task

import (
	"context"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/types"
)

// RunHistory persists run records beyond the in-memory registry.
type RunHistory interface {
	SaveRunRecord(ctx context.Context, rec types.RunRecord) error
	GetRunRecords(ctx context.Context, limit int) ([]types.RunRecord, error)
}

// NoopHistory is used when no database is configured.
type NoopHistory struct{}

func (NoopHistory) SaveRunRecord(context.Context, types.RunRecord) error { return nil }
func (NoopHistory) GetRunRecords(context.Context, int) ([]types.RunRecord, error) {
	return nil, nil
}

// Observer is told about fresh prices and finished runs. Calls are made from
// the scheduler's workers and must not block.
type Observer interface {
	PricesWritten(area types.BiddingArea, date delivery.Date, obs []types.PriceObservation)
	RunFinished(rec types.RunRecord)
}
