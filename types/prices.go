package types

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/angas/nordpool2influx/delivery"
)

// BiddingArea is a market zone code such as "SE3" or "SYS".
type BiddingArea string

func (a BiddingArea) String() string {
	return string(a)
}

// RawInterval is one price interval exactly as the provider published it.
type RawInterval struct {
	LocalStart        time.Time // Wall clock in the market location
	Price             string    // Verbatim provider value, validated by the normalizer
	Currency          string
	ResolutionMinutes int
}

// RawPriceCurve is the provider response for one area and delivery date.
type RawPriceCurve struct {
	Area       BiddingArea
	Date       delivery.Date
	Location   *time.Location
	EnergyUnit string // "MWh" or "kWh"
	Provider   string
	Intervals  []RawInterval
}

// PriceObservation is the canonical price of one interval.
type PriceObservation struct {
	Area              BiddingArea `json:"area"`
	Timestamp         time.Time   `json:"timestamp"` // Interval start, UTC
	Price             float64     `json:"price"`
	Currency          string      `json:"currency"`
	ResolutionMinutes int         `json:"resolution"`
}

// WritePoint is a single tagged time-series point. Its identity is
// (measurement, tag set, timestamp).
type WritePoint struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Timestamp   time.Time
}

// Identity is a canonical key for the point identity; tags are sorted by key.
func (p WritePoint) Identity() string {
	var b strings.Builder
	b.WriteString(p.Measurement)
	for _, k := range slices.Sorted(maps.Keys(p.Tags)) {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(p.Tags[k])
	}
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%d", p.Timestamp.UnixNano()))
	return b.String()
}

type PriceFetcher interface {
	Fetch(ctx context.Context, area BiddingArea, date delivery.Date) (RawPriceCurve, error)
	Name() string
}

type TimeSeriesSink interface {
	Write(ctx context.Context, batch []WritePoint) error
	Close() error
}
