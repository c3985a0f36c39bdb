package normalize

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/types"
)

func stockholm(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Stockholm")
	require.NoError(t, err)
	return loc
}

// curve builds a well formed curve the way a provider reports it: interval
// starts as instants shown in the market time zone.
func curve(loc *time.Location, date delivery.Date, resolution int) types.RawPriceCurve {
	start := date.Start(loc)
	n := int(date.Length(loc)/time.Minute) / resolution
	intervals := make([]types.RawInterval, n)
	for i := range intervals {
		intervals[i] = types.RawInterval{
			LocalStart:        start.Add(time.Duration(i*resolution) * time.Minute).In(loc),
			Price:             fmt.Sprintf("%d.5", i),
			Currency:          "EUR",
			ResolutionMinutes: resolution,
		}
	}
	return types.RawPriceCurve{
		Area:       "SE3",
		Date:       date,
		Location:   loc,
		EnergyUnit: "MWh",
		Intervals:  intervals,
	}
}

func assertStrictlyIncreasing(t *testing.T, obs []types.PriceObservation, step time.Duration) {
	t.Helper()
	for i := 1; i < len(obs); i++ {
		assert.Equal(t, step, obs[i].Timestamp.Sub(obs[i-1].Timestamp), "gap or overlap at %d", i)
	}
}

func TestNormalizeDayLengths(t *testing.T) {
	loc := stockholm(t)

	tests := []struct {
		name       string
		date       delivery.Date
		resolution int
		expected   int
	}{
		{"normal day", delivery.New(2025, time.January, 16), 60, 24},
		{"spring forward", delivery.New(2025, time.March, 30), 60, 23},
		{"fall back", delivery.New(2025, time.October, 26), 60, 25},
		{"quarter hours", delivery.New(2025, time.October, 1), 15, 96},
		{"quarter hours fall back", delivery.New(2025, time.October, 26), 15, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, err := Default().Normalize(curve(loc, tt.date, tt.resolution))
			require.NoError(t, err)
			require.Len(t, obs, tt.expected)

			assert.True(t, obs[0].Timestamp.Equal(tt.date.Start(loc)))
			assert.Equal(t, time.UTC, obs[0].Timestamp.Location())
			last := obs[len(obs)-1].Timestamp.Add(time.Duration(tt.resolution) * time.Minute)
			assert.True(t, last.Equal(tt.date.End(loc)), "covered span must end at the next local midnight")
			assertStrictlyIncreasing(t, obs, time.Duration(tt.resolution)*time.Minute)

			seen := map[time.Time]bool{}
			for _, o := range obs {
				assert.False(t, seen[o.Timestamp], "duplicate timestamp %v", o.Timestamp)
				seen[o.Timestamp] = true
			}
		})
	}
}

func TestNormalizeFallBackKeepsBothTwoOClocks(t *testing.T) {
	loc := stockholm(t)
	obs, err := Default().Normalize(curve(loc, delivery.New(2025, time.October, 26), 60))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, time.October, 26, 0, 0, 0, 0, time.UTC), obs[2].Timestamp)
	assert.Equal(t, time.Date(2025, time.October, 26, 1, 0, 0, 0, time.UTC), obs[3].Timestamp)
	assert.Equal(t, 2, obs[2].Timestamp.In(loc).Hour())
	assert.Equal(t, 2, obs[3].Timestamp.In(loc).Hour())
}

func TestNormalizeMalformed(t *testing.T) {
	loc := stockholm(t)
	normal := delivery.New(2025, time.January, 16)

	tests := []struct {
		name   string
		mutate func(c *types.RawPriceCurve)
	}{
		{"no intervals", func(c *types.RawPriceCurve) { c.Intervals = nil }},
		{"too few intervals", func(c *types.RawPriceCurve) { c.Intervals = c.Intervals[:23] }},
		{"24 intervals on a 23 hour day", func(c *types.RawPriceCurve) {
			*c = curve(loc, normal, 60)
			c.Date = delivery.New(2025, time.March, 30)
		}},
		{"non-numeric price", func(c *types.RawPriceCurve) { c.Intervals[5].Price = "n/a" }},
		{"null price", func(c *types.RawPriceCurve) { c.Intervals[5].Price = "null" }},
		{"mixed resolution", func(c *types.RawPriceCurve) { c.Intervals[3].ResolutionMinutes = 15 }},
		{"unsupported resolution", func(c *types.RawPriceCurve) {
			for i := range c.Intervals {
				c.Intervals[i].ResolutionMinutes = 7
			}
		}},
		{"mixed currency", func(c *types.RawPriceCurve) { c.Intervals[3].Currency = "SEK" }},
		{"missing currency", func(c *types.RawPriceCurve) {
			for i := range c.Intervals {
				c.Intervals[i].Currency = ""
			}
		}},
		{"shifted labels", func(c *types.RawPriceCurve) {
			for i := range c.Intervals {
				c.Intervals[i].LocalStart = c.Intervals[i].LocalStart.Add(time.Hour)
			}
		}},
		{"unknown unit", func(c *types.RawPriceCurve) { c.EnergyUnit = "GWh" }},
		{"duplicated fall-back instant", func(c *types.RawPriceCurve) {
			*c = curve(loc, delivery.New(2025, time.October, 26), 60)
			c.Intervals[3].LocalStart = c.Intervals[2].LocalStart
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := curve(loc, normal, 60)
			tt.mutate(&c)

			_, err := Default().Normalize(c)
			var mc *types.MalformedCurveError
			require.ErrorAs(t, err, &mc)
			assert.Equal(t, types.ReasonMalformedCurve, types.Reason(err))
			assert.False(t, types.IsTransient(err))
		})
	}
}

func TestNormalizeConversion(t *testing.T) {
	loc := stockholm(t)
	date := delivery.New(2025, time.January, 16)

	tests := []struct {
		name       string
		normalizer Normalizer
		unit       string
		price      string
		expected   float64
	}{
		{"identity", Default(), "MWh", "123.45", 123.45},
		{"kWh to MWh", Default(), "kWh", "0.41201", 412.01},
		{"cents per kWh incl. VAT", Normalizer{
			Unit:        "c/kWh",
			UnitFactors: map[string]float64{"MWh": 0.1},
			PriceFactor: 1.24,
			Decimals:    4,
		}, "MWh", "123.45", 15.3078},
		{"rounded", Normalizer{Unit: "MWh", Decimals: 1}, "MWh", "10.26", 10.3},
		{"negative price", Default(), "MWh", "-5.02", -5.02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := curve(loc, date, 60)
			c.EnergyUnit = tt.unit
			c.Intervals[0].Price = tt.price

			obs, err := tt.normalizer.Normalize(c)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, obs[0].Price, 1e-9)
		})
	}
}

func TestNormalizeIsPure(t *testing.T) {
	c := curve(stockholm(t), delivery.New(2025, time.October, 26), 60)

	a, err := Default().Normalize(c)
	require.NoError(t, err)
	b, err := Default().Normalize(c)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
