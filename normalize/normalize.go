// Package normalize turns provider price curves into canonical UTC price
// observations.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angas/nordpool2influx/types"
)

const labelLayout = "2006-01-02 15:04 -07:00"

type Normalizer struct {
	Unit        string             // Canonical energy unit, e.g. MWh
	UnitFactors map[string]float64 // Multiplier from a raw energy unit to the canonical price
	PriceFactor float64            // Extra multiplier applied after the unit factor, 0 means 1
	Decimals    int                // Rounding of the result, negative disables rounding
}

func Default() Normalizer {
	return Normalizer{
		Unit:        "MWh",
		UnitFactors: map[string]float64{"MWh": 1, "kWh": 1000},
		PriceFactor: 1,
		Decimals:    -1,
	}
}

// Normalize maps interval i of the curve onto the instant
// date.Start(loc) + i*resolution. The provider's start of every interval
// must be that instant, which keeps days with 23 or 25 hours free of gaps
// and collisions.
func (n Normalizer) Normalize(curve types.RawPriceCurve) ([]types.PriceObservation, error) {
	malformed := func(format string, args ...any) error {
		return &types.MalformedCurveError{Area: curve.Area, Date: curve.Date, Reason: fmt.Sprintf(format, args...)}
	}

	if len(curve.Intervals) == 0 {
		return nil, malformed("no intervals")
	}

	loc := curve.Location
	if loc == nil {
		loc = time.UTC
	}

	resolution := curve.Intervals[0].ResolutionMinutes
	if resolution <= 0 || 60%resolution != 0 {
		return nil, malformed("unsupported resolution of %d minutes", resolution)
	}
	currency := curve.Intervals[0].Currency
	if currency == "" {
		return nil, malformed("missing currency")
	}

	factor, err := n.factor(curve.EnergyUnit)
	if err != nil {
		return nil, malformed("%v", err)
	}

	dayMinutes := int(curve.Date.Length(loc) / time.Minute)
	if expected := dayMinutes / resolution; len(curve.Intervals) != expected {
		return nil, malformed("got %d intervals, expected %d for a %d minute day at %d minute resolution",
			len(curve.Intervals), expected, dayMinutes, resolution)
	}

	start := curve.Date.Start(loc)
	step := time.Duration(resolution) * time.Minute

	observations := make([]types.PriceObservation, 0, len(curve.Intervals))
	for i, raw := range curve.Intervals {
		if raw.ResolutionMinutes != resolution {
			return nil, malformed("interval %d has resolution %d, expected %d", i, raw.ResolutionMinutes, resolution)
		}
		if raw.Currency != currency {
			return nil, malformed("interval %d has currency %q, expected %q", i, raw.Currency, currency)
		}

		ts := start.Add(time.Duration(i) * step)
		if !raw.LocalStart.Equal(ts) {
			return nil, malformed("interval %d starts at %s, expected %s",
				i, raw.LocalStart.In(loc).Format(labelLayout), ts.In(loc).Format(labelLayout))
		}

		price, err := decimal.NewFromString(strings.TrimSpace(raw.Price))
		if err != nil {
			return nil, malformed("interval %d has non-numeric price %q", i, raw.Price)
		}

		observations = append(observations, types.PriceObservation{
			Area:              curve.Area,
			Timestamp:         ts.UTC(),
			Price:             n.convert(price, factor),
			Currency:          currency,
			ResolutionMinutes: resolution,
		})
	}

	return observations, nil
}

func (n Normalizer) factor(unit string) (decimal.Decimal, error) {
	pf := decimal.NewFromInt(1)
	if n.PriceFactor != 0 {
		pf = decimal.NewFromFloat(n.PriceFactor)
	}

	// Config keys arrive lower cased from viper.
	for u, f := range n.UnitFactors {
		if strings.EqualFold(u, unit) {
			return decimal.NewFromFloat(f).Mul(pf), nil
		}
	}
	if unit == "" || strings.EqualFold(unit, n.Unit) {
		return pf, nil
	}
	return decimal.Decimal{}, fmt.Errorf("no conversion factor for energy unit %q", unit)
}

func (n Normalizer) convert(price, factor decimal.Decimal) float64 {
	v := price.Mul(factor)
	if n.Decimals >= 0 {
		v = v.Round(int32(n.Decimals))
	}
	return v.InexactFloat64()
}
