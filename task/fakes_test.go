package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/normalize"
	"github.com/angas/nordpool2influx/planner"
	"github.com/angas/nordpool2influx/sink"
	"github.com/angas/nordpool2influx/types"
)

func oslo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Oslo")
	require.NoError(t, err)
	return loc
}

// hourlyCurve returns a complete hourly curve priced 10.5, 11.5, ...
func hourlyCurve(area types.BiddingArea, date delivery.Date, loc *time.Location) types.RawPriceCurve {
	start := date.Start(loc)
	hours := int(date.Length(loc) / time.Hour)
	intervals := make([]types.RawInterval, hours)
	for i := range intervals {
		intervals[i] = types.RawInterval{
			LocalStart:        start.Add(time.Duration(i) * time.Hour).In(loc),
			Price:             fmt.Sprintf("%d.5", 10+i),
			Currency:          "EUR",
			ResolutionMinutes: 60,
		}
	}
	return types.RawPriceCurve{
		Area:       area,
		Date:       date,
		Location:   loc,
		EnergyUnit: "MWh",
		Provider:   "fake",
		Intervals:  intervals,
	}
}

type fetchFunc func(area types.BiddingArea, date delivery.Date, call int) (types.RawPriceCurve, error)

type fakeFetcher struct {
	name  string
	fn    fetchFunc
	mu    sync.Mutex
	calls map[types.BiddingArea]int
}

func newFakeFetcher(fn fetchFunc) *fakeFetcher {
	return &fakeFetcher{name: "fake", fn: fn, calls: make(map[types.BiddingArea]int)}
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) Fetch(ctx context.Context, area types.BiddingArea, date delivery.Date) (types.RawPriceCurve, error) {
	if err := ctx.Err(); err != nil {
		return types.RawPriceCurve{}, err
	}
	f.mu.Lock()
	f.calls[area]++
	call := f.calls[area]
	f.mu.Unlock()
	return f.fn(area, date, call)
}

func (f *fakeFetcher) Calls(area types.BiddingArea) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[area]
}

// scriptedSink fails writes according to fn and stores everything else in
// memory. fn gets the 1-based write call number.
type scriptedSink struct {
	*sink.Memory
	mu    sync.Mutex
	calls int
	fn    func(batch []types.WritePoint, call int) error
}

func newScriptedSink(fn func(batch []types.WritePoint, call int) error) *scriptedSink {
	return &scriptedSink{Memory: sink.NewMemory(false), fn: fn}
}

func (s *scriptedSink) Write(ctx context.Context, batch []types.WritePoint) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.fn != nil {
		if err := s.fn(batch, call); err != nil {
			var rp *types.RejectedPointError
			if !errors.As(err, &rp) {
				return err
			}
			keep := make([]types.WritePoint, 0, len(batch))
			for i, p := range batch {
				rejected := false
				for _, r := range rp.Indices {
					rejected = rejected || r == i
				}
				if !rejected {
					keep = append(keep, p)
				}
			}
			if werr := s.Memory.Write(ctx, keep); werr != nil {
				return werr
			}
			return err
		}
	}
	return s.Memory.Write(ctx, batch)
}

func (s *scriptedSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *sleepRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delays)
}

func newTestPipeline(fetcher types.PriceFetcher, s types.TimeSeriesSink, batchSize int) (*Pipeline, *sleepRecorder) {
	p := NewPipeline(
		fetcher,
		normalize.Default(),
		planner.Planner{Measurement: planner.DefaultMeasurement, MaxBatchSize: batchSize},
		s,
		RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	)
	rec := &sleepRecorder{}
	p.sleep = rec.sleep
	return p, rec
}
