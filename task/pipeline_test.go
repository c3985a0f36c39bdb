package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/types"
)

func TestPipelineWritesAllIntervals(t *testing.T) {
	loc := oslo(t)
	date := delivery.New(2025, time.January, 15)
	fetcher := newFakeFetcher(func(area types.BiddingArea, d delivery.Date, _ int) (types.RawPriceCurve, error) {
		return hourlyCurve(area, d, loc), nil
	})
	s := newScriptedSink(nil)
	p, sleeps := newTestPipeline(fetcher, s, 5000)

	var mu sync.Mutex
	var states []State
	p.onState = func(_ types.BiddingArea, st State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	}

	out := p.Run(context.Background(), "SYS", date)
	require.NoError(t, out.Err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Len(t, out.Observations, 24)
	assert.Equal(t, 24, out.Written)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 24, s.Len())
	assert.Zero(t, sleeps.Len())

	assert.Equal(t, []State{StateFetching, StateNormalizing, StatePlanning, StateWriting, StateWriting, StateSucceeded}, states)

	points := s.Points()
	assert.Equal(t, date.Start(loc).UTC(), points[0].Timestamp)
	assert.Equal(t, 10.5, points[0].Fields["price"])
	assert.Equal(t, "SYS", points[0].Tags["area"])
}

func TestPipelineReplayIsIdempotent(t *testing.T) {
	loc := oslo(t)
	date := delivery.New(2025, time.October, 26)
	fetcher := newFakeFetcher(func(area types.BiddingArea, d delivery.Date, _ int) (types.RawPriceCurve, error) {
		return hourlyCurve(area, d, loc), nil
	})
	s := newScriptedSink(nil)
	p, _ := newTestPipeline(fetcher, s, 10)

	for range 3 {
		out := p.Run(context.Background(), "NO1", date)
		require.NoError(t, out.Err)
		assert.Equal(t, 25, out.Written)
	}
	assert.Equal(t, 25, s.Len(), "the fall back day has 25 distinct points")
}

func TestPipelineRetriesTransientFetch(t *testing.T) {
	loc := oslo(t)
	date := delivery.New(2025, time.January, 15)
	fetcher := newFakeFetcher(func(area types.BiddingArea, d delivery.Date, call int) (types.RawPriceCurve, error) {
		if call < 3 {
			return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: errors.New("503")}
		}
		return hourlyCurve(area, d, loc), nil
	})
	s := newScriptedSink(nil)
	p, sleeps := newTestPipeline(fetcher, s, 5000)

	out := p.Run(context.Background(), "SE3", date)
	require.NoError(t, out.Err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 3, fetcher.Calls("SE3"))
	assert.Equal(t, 2, sleeps.Len())
	assert.Equal(t, 24, s.Len())
}

func TestPipelineGivesUpAfterMaxAttempts(t *testing.T) {
	fetcher := newFakeFetcher(func(area types.BiddingArea, _ delivery.Date, _ int) (types.RawPriceCurve, error) {
		return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: errors.New("timeout")}
	})
	s := newScriptedSink(nil)
	p, sleeps := newTestPipeline(fetcher, s, 5000)

	out := p.Run(context.Background(), "SE3", delivery.New(2025, time.January, 15))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, types.ReasonTransientFetch, types.Reason(out.Err))
	assert.Equal(t, 3, fetcher.Calls("SE3"))
	assert.Equal(t, 2, sleeps.Len())
	assert.Zero(t, s.Calls())
}

func TestPipelineBackoffGrows(t *testing.T) {
	fetcher := newFakeFetcher(func(area types.BiddingArea, _ delivery.Date, _ int) (types.RawPriceCurve, error) {
		return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: errors.New("timeout")}
	})
	p, sleeps := newTestPipeline(fetcher, newScriptedSink(nil), 5000)
	p.retry = RetryPolicy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	p.Run(context.Background(), "SE3", delivery.New(2025, time.January, 15))
	require.Len(t, sleeps.delays, 5)
	assert.Less(t, sleeps.delays[0], sleeps.delays[1])
	for _, d := range sleeps.delays {
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestPipelineFailsWithoutRetry(t *testing.T) {
	loc := oslo(t)
	date := delivery.New(2025, time.January, 15)

	tests := []struct {
		name   string
		fetch  fetchFunc
		reason string
	}{
		{
			name: "not yet published",
			fetch: func(area types.BiddingArea, d delivery.Date, _ int) (types.RawPriceCurve, error) {
				return types.RawPriceCurve{}, &types.NotYetPublishedError{Area: area, Date: d}
			},
			reason: types.ReasonNotYetPublished,
		},
		{
			name: "permanent fetch",
			fetch: func(area types.BiddingArea, _ delivery.Date, _ int) (types.RawPriceCurve, error) {
				return types.RawPriceCurve{}, &types.PermanentFetchError{Area: area, Err: errors.New("400")}
			},
			reason: types.ReasonPermanentFetch,
		},
		{
			name: "missing interval",
			fetch: func(area types.BiddingArea, d delivery.Date, _ int) (types.RawPriceCurve, error) {
				c := hourlyCurve(area, d, loc)
				c.Intervals = c.Intervals[:23]
				return c, nil
			},
			reason: types.ReasonMalformedCurve,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := newFakeFetcher(tt.fetch)
			s := newScriptedSink(nil)
			p, sleeps := newTestPipeline(fetcher, s, 5000)

			out := p.Run(context.Background(), "SE3", date)
			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, tt.reason, types.Reason(out.Err))
			assert.Equal(t, 1, fetcher.Calls("SE3"))
			assert.Zero(t, sleeps.Len())
			assert.Zero(t, s.Len(), "nothing is written for a failed curve")
		})
	}
}

func TestPipelineRetriesTransientWrite(t *testing.T) {
	loc := oslo(t)
	fetcher := newFakeFetcher(func(area types.BiddingArea, d delivery.Date, _ int) (types.RawPriceCurve, error) {
		return hourlyCurve(area, d, loc), nil
	})
	s := newScriptedSink(func(_ []types.WritePoint, call int) error {
		if call == 2 {
			return &types.TransientWriteError{Err: errors.New("503")}
		}
		return nil
	})
	p, sleeps := newTestPipeline(fetcher, s, 10)

	out := p.Run(context.Background(), "SE3", delivery.New(2025, time.January, 15))
	require.NoError(t, out.Err)
	assert.Equal(t, 4, s.Calls(), "three batches and one retry of the second")
	assert.Equal(t, 1, fetcher.Calls("SE3"), "a write retry does not fetch again")
	assert.Equal(t, 1, sleeps.Len())
	assert.Equal(t, 24, s.Len())
}

func TestPipelineRejectedPointsKeepTheRest(t *testing.T) {
	loc := oslo(t)
	date := delivery.New(2025, time.January, 15)
	fetcher := newFakeFetcher(func(area types.BiddingArea, d delivery.Date, _ int) (types.RawPriceCurve, error) {
		return hourlyCurve(area, d, loc), nil
	})
	// Batches of 10, reject the fifth point of the second batch.
	s := newScriptedSink(func(_ []types.WritePoint, call int) error {
		if call == 2 {
			return &types.RejectedPointError{Indices: []int{4}, Err: errors.New("field type conflict")}
		}
		return nil
	})
	p, sleeps := newTestPipeline(fetcher, s, 10)

	out := p.Run(context.Background(), "SE3", date)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, types.ReasonRejectedPoints, types.Reason(out.Err))

	var rp *types.RejectedPointError
	require.ErrorAs(t, out.Err, &rp)
	assert.Equal(t, []int{14}, rp.Indices)

	assert.Equal(t, 3, s.Calls(), "later batches are still written")
	assert.Equal(t, 23, out.Written)
	assert.Equal(t, 23, s.Len())
	assert.Zero(t, sleeps.Len())
}

func TestPipelineFatalWriteStops(t *testing.T) {
	loc := oslo(t)
	fetcher := newFakeFetcher(func(area types.BiddingArea, d delivery.Date, _ int) (types.RawPriceCurve, error) {
		return hourlyCurve(area, d, loc), nil
	})
	s := newScriptedSink(func(_ []types.WritePoint, _ int) error {
		return &types.FatalWriteError{Err: errors.New("401 unauthorized")}
	})
	p, sleeps := newTestPipeline(fetcher, s, 10)

	out := p.Run(context.Background(), "SE3", delivery.New(2025, time.January, 15))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, types.ReasonFatalWrite, types.Reason(out.Err))
	assert.Equal(t, 1, s.Calls())
	assert.Zero(t, sleeps.Len())
}

func TestPipelineCancelledDuringBackoff(t *testing.T) {
	fetcher := newFakeFetcher(func(area types.BiddingArea, _ delivery.Date, _ int) (types.RawPriceCurve, error) {
		return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: errors.New("503")}
	})
	p, _ := newTestPipeline(fetcher, newScriptedSink(nil), 10)

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	out := p.Run(ctx, "SE3", delivery.New(2025, time.January, 15))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, types.ReasonCancelled, types.Reason(out.Err))
	assert.Equal(t, 1, fetcher.Calls("SE3"))
}

func TestStateText(t *testing.T) {
	b, err := StateRetryPending.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "retry_pending", string(b))
	assert.Equal(t, "state(42)", State(42).String())
}
