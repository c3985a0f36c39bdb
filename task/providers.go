package task

import (
	"context"
	"log/slog"
	"strings"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/types"
)

// Providers tries each fetcher in order and returns the first curve.
type Providers struct {
	logger   *slog.Logger
	fetchers []types.PriceFetcher
}

func NewProviders(fetchers ...types.PriceFetcher) *Providers {
	if len(fetchers) == 0 {
		panic("no price providers")
	}
	return &Providers{
		logger:   slog.Default().With("module", "providers"),
		fetchers: fetchers,
	}
}

func (p *Providers) Name() string {
	names := make([]string, len(p.fetchers))
	for i, f := range p.fetchers {
		names[i] = f.Name()
	}
	return strings.Join(names, ",")
}

// Fetch returns the first successful curve. When every provider fails the
// most hopeful error is returned: transient over not yet published over
// permanent, so the scheduler keeps retrying while any provider could succeed.
func (p *Providers) Fetch(ctx context.Context, area types.BiddingArea, date delivery.Date) (types.RawPriceCurve, error) {
	var transient, notYet, other error

	for _, f := range p.fetchers {
		curve, err := f.Fetch(ctx, area, date)
		if err == nil {
			return curve, nil
		}
		if ctx.Err() != nil {
			return types.RawPriceCurve{}, ctx.Err()
		}

		p.logger.Debug("provider failed",
			slog.String("provider", f.Name()),
			slog.String("area", string(area)),
			slog.String("date", date.String()),
			slog.Any("error", err))

		switch {
		case types.IsTransient(err):
			if transient == nil {
				transient = err
			}
		case types.IsNotYetPublished(err):
			if notYet == nil {
				notYet = err
			}
		default:
			if other == nil {
				other = err
			}
		}
	}

	switch {
	case transient != nil:
		return types.RawPriceCurve{}, transient
	case notYet != nil:
		return types.RawPriceCurve{}, notYet
	default:
		return types.RawPriceCurve{}, other
	}
}
