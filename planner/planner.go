// Package planner turns price observations into deduplicated, batched
// time-series points.
package planner

import (
	"cmp"
	"slices"
	"strconv"
	"time"

	"github.com/angas/nordpool2influx/types"
)

const (
	DefaultMeasurement  = "nordpool_price"
	DefaultMaxBatchSize = 5000
)

type Planner struct {
	Measurement  string
	MaxBatchSize int
}

type key struct {
	area       types.BiddingArea
	ts         int64
	resolution int
}

// Plan deduplicates observations on (area, timestamp, resolution), keeping
// the last one in input order, and returns points sorted by area, time and
// resolution.
func (p Planner) Plan(observations []types.PriceObservation) []types.WritePoint {
	latest := make(map[key]types.PriceObservation, len(observations))
	for _, o := range observations {
		latest[key{o.Area, o.Timestamp.UnixNano(), o.ResolutionMinutes}] = o
	}

	unique := make([]types.PriceObservation, 0, len(latest))
	for _, o := range latest {
		unique = append(unique, o)
	}
	slices.SortFunc(unique, func(a, b types.PriceObservation) int {
		return cmp.Or(
			cmp.Compare(a.Area, b.Area),
			a.Timestamp.Compare(b.Timestamp),
			cmp.Compare(a.ResolutionMinutes, b.ResolutionMinutes),
		)
	})

	measurement := p.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}

	points := make([]types.WritePoint, len(unique))
	for i, o := range unique {
		points[i] = types.WritePoint{
			Measurement: measurement,
			Tags: map[string]string{
				"area":       string(o.Area),
				"currency":   o.Currency,
				"resolution": strconv.Itoa(o.ResolutionMinutes),
			},
			Fields:    map[string]float64{"price": o.Price},
			Timestamp: o.Timestamp.UTC().Truncate(time.Second),
		}
	}
	return points
}

// Batches splits points into consecutive chunks of at most MaxBatchSize.
func (p Planner) Batches(points []types.WritePoint) [][]types.WritePoint {
	size := p.MaxBatchSize
	if size <= 0 {
		size = DefaultMaxBatchSize
	}
	return slices.Collect(slices.Chunk(points, size))
}
